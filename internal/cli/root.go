// Package cli contains the authsession commands.
package cli

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

// SetVersion sets the version string for the CLI
func SetVersion(v string) {
	version = v
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	envFile    string
	logLevel   string
	color      string
}

// NewRootCommand builds the command tree. Each call returns an independent
// tree so tests can run commands in isolation.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	app := &App{}

	rootCmd := &cobra.Command{
		Use:   "authsession",
		Short: "Identity and session client",
		Long: `authsession signs in to the backend, keeps the session in durable
storage and refreshes it, and bridges federated identity providers.

Example usage:
  authsession login --email ada@example.com
  authsession oauth google
  authsession whoami
  authsession storage-check
  authsession logout`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return app.init(cmd, opts)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default is $CONFIG_FILE)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")
	flags.StringVar(&opts.logLevel, "log-level", "", "override log_level from the config (debug, info, warn, error)")
	flags.StringVar(&opts.color, "color", "auto", "color output: auto, always, never")

	rootCmd.AddCommand(
		newLoginCommand(app),
		newRegisterCommand(app),
		newWhoamiCommand(app),
		newRefreshCommand(app),
		newProfileCommand(app),
		newLogoutCommand(app),
		newOAuthCommand(app),
		newCallbackServerCommand(app),
		newStorageCheckCommand(app),
		newVersionCommand(),
	)
	return rootCmd
}

// Execute runs the root command until it finishes or the process is signaled.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return NewRootCommand().ExecuteContext(ctx)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("authsession " + version)
		},
	}
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

func configPath(opts *globalOptions) string {
	if opts.configPath != "" {
		return opts.configPath
	}
	return os.Getenv("CONFIG_FILE")
}

func setupLogger(level string, cmd *cobra.Command) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
