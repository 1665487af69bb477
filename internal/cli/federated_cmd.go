package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/wadahiro/authsession/internal/federated"
	"github.com/wadahiro/authsession/internal/storageauth"
)

const shutdownTimeout = 10 * time.Second

func newOAuthCommand(app *App) *cobra.Command {
	var code string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "oauth <provider|unified>",
		Short: "Sign in through a federated identity provider",
		Long: `Sign in through a federated identity provider. A loopback server is
started on callback_listen_addr; open the printed URL in a browser and
complete the provider's sign-in. "unified" uses the Kratos browser flow
configured under [kratos].`,
		Args: cobra.ExactArgs(1),
		RunE: app.run(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]

			startPath := "/login/" + name
			include := func(p string) bool { return p == name }
			if name == federated.UnifiedNamespace {
				if app.cfg.Kratos.PublicURL == "" {
					return errors.New("unified sign-in requires [kratos] public_url")
				}
				startPath = "/auth/start"
			} else if _, ok := app.cfg.Provider(name); !ok {
				return fmt.Errorf("%w: %s", federated.ErrUnknownProvider, name)
			}

			_, handler, err := app.newBridge(ctx, include)
			if err != nil {
				return err
			}
			flows := make(chan *federated.Flow, 1)
			wanted := flowFilter(name, app.kratosSource())
			handler.OnFlow = func(f *federated.Flow) {
				if !wanted(f) {
					app.logger.Warn("Ignoring callback for another provider",
						"want", name, "provider", f.Provider)
					return
				}
				select {
				case flows <- f:
				default:
				}
			}

			srv, ln, err := app.listen(handler)
			if err != nil {
				return err
			}
			errc := make(chan error, 1)
			go func() { errc <- srv.Serve(ln) }()
			defer app.shutdown(srv)

			app.printer.Info("Open this URL in your browser to continue:")
			app.printer.Info("  http://%s%s", ln.Addr().String(), startPath)

			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			var flow *federated.Flow
			select {
			case flow = <-flows:
			case err := <-errc:
				return fmt.Errorf("callback server: %w", err)
			case <-waitCtx.Done():
				return fmt.Errorf("waiting for sign-in with %s: %w", name, waitCtx.Err())
			}

			select {
			case <-flow.Done():
			case <-ctx.Done():
				flow.Cancel()
				return ctx.Err()
			}
			if flow.State() == federated.FlowError {
				app.logLastFailure()
				return fmt.Errorf("sign-in with %s failed", flow.Provider)
			}

			result := flow.Result()
			identity := result.Identity
			if result.ChallengeRequired() {
				if identity, err = app.completeChallenge(cmd, code); err != nil {
					return err
				}
			}
			app.printer.Success("Signed in as %s via %s", identity.Email, flow.Provider)
			return nil
		}),
	}
	cmd.Flags().StringVar(&code, "code", "", "step-up verification code")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the browser")
	return cmd
}

// flowFilter matches the callbacks an oauth run waits for. Unified flows
// carry the session source's name.
func flowFilter(name string, unified federated.SessionSource) func(*federated.Flow) bool {
	want := name
	if name == federated.UnifiedNamespace && unified != nil {
		want = unified.Name()
	}
	return func(f *federated.Flow) bool { return f.Provider == want }
}

func newCallbackServerCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "callback-server",
		Short: "Serve the federated sign-in pages until interrupted",
		Args:  cobra.NoArgs,
		RunE: app.run(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			bridge, handler, err := app.newBridge(ctx, nil)
			if err != nil {
				return err
			}
			handler.OnFlow = func(f *federated.Flow) {
				go app.followFlow(cmd, f)
			}

			srv, ln, err := app.listen(handler)
			if err != nil {
				return err
			}
			errc := make(chan error, 1)
			go func() { errc <- srv.Serve(ln) }()

			base := "http://" + ln.Addr().String()
			for _, name := range bridge.Providers() {
				app.printer.Info("%-10s %s/login/%s", name, base, name)
			}
			if handler.UnifiedStartURL != "" {
				app.printer.Info("%-10s %s/auth/start", federated.UnifiedNamespace, base)
			}
			app.logger.Info("Listening", "addr", ln.Addr().String())

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("callback server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}
			app.logger.Info("Shutting down...")
			if err := app.shutdown(srv); err != nil {
				return err
			}
			app.logger.Info("Server stopped")
			return nil
		}),
	}
}

// followFlow reports a finished callback and asks for the step-up code
// when one is required.
func (a *App) followFlow(cmd *cobra.Command, f *federated.Flow) {
	<-f.Done()
	if f.State() == federated.FlowError {
		a.logLastFailure()
		return
	}
	result := f.Result()
	identity := result.Identity
	if result.ChallengeRequired() {
		var err error
		if identity, err = a.completeChallenge(cmd, ""); err != nil {
			a.printer.Error("%s", errorMessage(err))
			return
		}
	}
	a.printer.Success("Signed in as %s via %s", identity.Email, f.Provider)
}

func newStorageCheckCommand(app *App) *cobra.Command {
	var sessionToken string
	cmd := &cobra.Command{
		Use:   "storage-check",
		Short: "Decide whether object storage may be used",
		Long: `Decide whether object storage may be used. Access is allowed when
either the backend session or a federated (Kratos) session is present;
each source is evaluated on its own. Exits non-zero when access is denied.`,
		Args: cobra.NoArgs,
		RunE: app.run(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := app.store.Load(ctx); err != nil {
				return err
			}
			if cmd.Flags().Changed("session-token") {
				app.cfg.Kratos.SessionToken = sessionToken
			}

			decision, err := storageauth.New(app.store, app.kratosSource(), app.logger).Check(ctx)
			if err != nil && !errors.Is(err, federated.ErrNoFederatedSession) {
				app.printer.Warning("Federated session unavailable: %s", errorMessage(err))
			}

			app.printer.Field("Backend", yesNo(decision.Backend))
			app.printer.Field("Federated", yesNo(decision.Federated))
			app.printer.Field("Principal", decision.Principal)
			if !decision.Allowed {
				return errors.New("storage access denied: no backend or federated session")
			}
			app.printer.Success("Storage access allowed")
			return nil
		}),
	}
	cmd.Flags().StringVar(&sessionToken, "session-token", "", "Kratos session token (overrides [kratos] session_token)")
	return cmd
}

// listen binds the loopback callback address. Provider redirect URIs
// point at it, so the port is not negotiable.
func (a *App) listen(handler *federated.Handler) (*http.Server, net.Listener, error) {
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	ln, err := net.Listen("tcp", a.cfg.CallbackListenAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %s: %w", a.cfg.CallbackListenAddr, err)
	}
	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv, ln, nil
}

func (a *App) shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.logger.Error("Shutdown failed", "error", err)
		return err
	}
	return nil
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
