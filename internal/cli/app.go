package cli

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/wadahiro/authsession/internal/api"
	"github.com/wadahiro/authsession/internal/challenge"
	"github.com/wadahiro/authsession/internal/config"
	"github.com/wadahiro/authsession/internal/credential"
	"github.com/wadahiro/authsession/internal/ephemeral"
	"github.com/wadahiro/authsession/internal/federated"
	"github.com/wadahiro/authsession/internal/httplog"
	"github.com/wadahiro/authsession/internal/nav"
	"github.com/wadahiro/authsession/internal/session"
)

// kratosBrowserLoginPath starts a browser login flow on the Kratos public API.
const kratosBrowserLoginPath = "/self-service/login/browser"

// App holds the components shared by the commands of one invocation.
type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	printer    *Printer
	prompt     *prompter
	httpClient *http.Client
	trace      *httplog.Transport

	store      *credential.Store
	tracker    *nav.Tracker
	client     *api.Client
	session    *session.Controller
	challenges *challenge.Controller
}

func (a *App) init(cmd *cobra.Command, opts *globalOptions) (err error) {
	if err := loadEnvFile(opts.envFile, cmd.Flags().Changed("env-file")); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	path := configPath(opts)
	if path == "" {
		return errors.New("config file is required: pass --config or set CONFIG_FILE")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	mode, err := ParseColorMode(opts.color)
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}

	a.cfg = cfg
	a.logger = setupLogger(level, cmd)
	a.printer = NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), ResolveColors(mode, cmd.OutOrStdout()))
	a.prompt = newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr())

	var base http.RoundTripper
	if cfg.InsecureSkipVerify {
		base = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
		a.logger.Warn("TLS certificate verification is disabled")
	}
	a.trace = httplog.NewTransport(base, a.logger)
	a.httpClient = &http.Client{Timeout: cfg.HTTPTimeout, Transport: a.trace}

	backend, err := openBackend(cmd.Context(), cfg.Storage)
	if err != nil {
		return err
	}
	a.store = credential.NewStore(backend, a.logger)
	defer func() {
		if err != nil {
			a.store.Close()
			a.store = nil
		}
	}()

	a.tracker = nav.NewTracker(nav.SurfaceNone)
	a.tracker.OnNavigate = a.onNavigate

	a.client, err = api.New(api.Options{
		BaseURL:    cfg.APIBaseURL,
		HTTPClient: a.httpClient,
		Store:      a.store,
		Navigator:  a.tracker,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	a.session = session.NewController(a.client, a.store, session.DefaultEndpoints(), a.logger)
	a.challenges = challenge.NewController(a.session, cfg.MFACodeLength, a.logger)
	return nil
}

// Close releases the credential backend.
func (a *App) Close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

// run wraps a command body so the backend is released however it ends.
func (a *App) run(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			if cerr := a.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		return fn(cmd, args)
	}
}

// logLastFailure records the most recent failed HTTP response at debug level.
func (a *App) logLastFailure() {
	c := a.trace.LastFailure()
	if c == nil {
		return
	}
	a.logger.Debug("Last failed response",
		"method", c.Method, "url", c.URL, "status", c.StatusCode, "body", string(c.Body))
}

// onNavigate renders surface changes as terminal messages.
func (a *App) onNavigate(e nav.Event) {
	a.logger.Debug("Navigated", "to", e.To)
	if e.Message == "" {
		return
	}
	if e.To == nav.SurfaceLogin {
		a.printer.Warning("%s", e.Message)
		return
	}
	a.printer.Info("%s", e.Message)
}

// openBackend opens the durable credential storage selected in the config.
func openBackend(ctx context.Context, cfg config.StorageConfig) (credential.Backend, error) {
	switch cfg.Driver {
	case "memory":
		return credential.NewMemoryBackend(), nil
	case "file":
		return credential.NewFileBackend(cfg.Path), nil
	case "sqlite":
		return credential.OpenSQLiteBackend(ctx, cfg.Path)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return credential.NewRedisBackend(client, cfg.RedisPrefix), nil
	}
	return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
}

// kratosSource returns the unified federated session source, or nil when
// Kratos is not configured.
func (a *App) kratosSource() federated.SessionSource {
	if a.cfg.Kratos.PublicURL == "" {
		return nil
	}
	token := a.cfg.Kratos.SessionToken
	return federated.NewKratosSource(a.cfg.Kratos.PublicURL, a.httpClient, func() string { return token })
}

// newBridge builds the federated bridge and its loopback handler. A
// non-nil include limits which providers are set up, which avoids
// discovery round trips to providers the command does not use.
func (a *App) newBridge(ctx context.Context, include func(name string) bool) (*federated.Bridge, *federated.Handler, error) {
	var providers []federated.Provider
	for _, pc := range a.cfg.Providers {
		if include != nil && !include(pc.Name) {
			continue
		}
		p, err := federated.NewProvider(ctx, pc, a.httpClient, a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		providers = append(providers, p)
	}

	bridge, err := federated.NewBridge(federated.Options{
		Providers:    providers,
		States:       ephemeral.NewStateStore(a.cfg.StateTTL),
		Finalizer:    a.session,
		Challenges:   a.challenges,
		Navigator:    a.tracker,
		Unified:      a.kratosSource(),
		SuccessDelay: a.cfg.SuccessRedirectDelay,
		ErrorDelay:   a.cfg.ErrorRedirectDelay,
		Logger:       a.logger,
	})
	if err != nil {
		return nil, nil, err
	}

	handler := federated.NewHandler(bridge, a.logger)
	if a.cfg.Kratos.PublicURL != "" {
		handler.UnifiedStartURL = strings.TrimRight(a.cfg.Kratos.PublicURL, "/") + kratosBrowserLoginPath
		handler.UnifiedCallbackURL = "http://" + a.cfg.CallbackListenAddr + "/auth/callback"
	}
	return bridge, handler, nil
}
