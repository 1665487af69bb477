package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wadahiro/authsession/internal/api"
	"github.com/wadahiro/authsession/internal/challenge"
	"github.com/wadahiro/authsession/internal/credential"
	"github.com/wadahiro/authsession/internal/session"
)

// maxCodeAttempts bounds interactive verification retries.
const maxCodeAttempts = 3

func newLoginCommand(app *App) *cobra.Command {
	var email, code string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Long: `Sign in with email and password. Accounts with step-up verification
are asked for a one-time code before the session is stored; pass --code
to answer it non-interactively.`,
		Args: cobra.NoArgs,
		RunE: app.run(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var err error
			if email == "" {
				if email, err = app.prompt.Line("Email: "); err != nil {
					return err
				}
			}
			password, err := app.prompt.Secret("Password: ")
			if err != nil {
				return err
			}

			result, err := app.session.Login(ctx, email, password)
			if err != nil {
				app.logLastFailure()
				if errors.Is(err, session.ErrInvalidCredentials) {
					return fmt.Errorf("sign-in failed: %s", errorMessage(err))
				}
				return err
			}
			identity := result.Identity
			if result.ChallengeRequired() {
				app.challenges.Begin(result.Challenge)
				if identity, err = app.completeChallenge(cmd, code); err != nil {
					return err
				}
			}
			app.printer.Success("Signed in as %s", identity.Email)
			return nil
		}),
	}
	cmd.Flags().StringVar(&email, "email", "", "account email (prompted when empty)")
	cmd.Flags().StringVar(&code, "code", "", "step-up verification code")
	return cmd
}

func newRegisterCommand(app *App) *cobra.Command {
	var req session.RegisterRequest
	var code string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: app.run(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var err error
			if req.Email == "" {
				if req.Email, err = app.prompt.Line("Email: "); err != nil {
					return err
				}
			}
			if req.Password, err = app.prompt.Secret("Password: "); err != nil {
				return err
			}

			result, err := app.session.Register(ctx, req)
			if err != nil {
				return err
			}
			if result == nil {
				app.printer.Warning("Account created, but the server did not start a session. Run `authsession login` to sign in.")
				return nil
			}
			identity := result.Identity
			if result.ChallengeRequired() {
				app.challenges.Begin(result.Challenge)
				if identity, err = app.completeChallenge(cmd, code); err != nil {
					return err
				}
			}
			app.printer.Success("Account created, signed in as %s", identity.Email)
			if identity.CompanyName != "" {
				app.printer.Info("Company: %s (%s)", identity.CompanyName, identity.CompanyRole)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "display name")
	cmd.Flags().StringVar(&req.Email, "email", "", "account email (prompted when empty)")
	cmd.Flags().StringVar(&req.CompanyName, "company", "", "create a company owned by the new account")
	cmd.Flags().StringVar(&code, "code", "", "step-up verification code")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newWhoamiCommand(app *App) *cobra.Command {
	var asJSON, offline bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in identity",
		Long: `Show the signed-in identity. The stored identity is refreshed from the
backend first unless --offline is set; if the refresh fails for any reason
other than an expired session, the stored identity is shown.`,
		Args: cobra.NoArgs,
		RunE: app.run(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var identity *credential.Identity
			if offline {
				if _, err := app.store.Load(ctx); err != nil {
					return err
				}
				identity = app.store.Identity()
			} else {
				refreshed, err := app.session.Restore(ctx)
				if err != nil {
					return err
				}
				if refreshed != nil {
					if err := <-refreshed; err != nil {
						if !app.store.Authenticated() {
							return credential.ErrNotAuthenticated
						}
						app.printer.Warning("Could not refresh identity (%s), showing stored copy", errorMessage(err))
					}
				}
				identity = app.store.Identity()
			}
			if identity == nil {
				return credential.ErrNotAuthenticated
			}
			return app.printIdentity(cmd, identity, asJSON)
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the identity as JSON")
	cmd.Flags().BoolVar(&offline, "offline", false, "do not contact the backend")
	return cmd
}

func newRefreshCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Re-fetch the identity for the stored session",
		Args:  cobra.NoArgs,
		RunE: app.run(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := app.store.Load(ctx); err != nil {
				return err
			}
			identity, err := app.session.RefreshIdentity(ctx)
			if err != nil {
				return err
			}
			app.printer.Success("Identity refreshed for %s", identity.Email)
			return nil
		}),
	}
}

func newProfileCommand(app *App) *cobra.Command {
	var name, email, avatarURL string
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Update the signed-in user's profile",
		Args:  cobra.NoArgs,
		RunE: app.run(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var updates session.ProfileUpdate
			flags := cmd.Flags()
			if flags.Changed("name") {
				updates.Name = &name
			}
			if flags.Changed("email") {
				updates.Email = &email
			}
			if flags.Changed("avatar-url") {
				updates.AvatarURL = &avatarURL
			}
			if updates.Name == nil && updates.Email == nil && updates.AvatarURL == nil {
				return errors.New("nothing to update: pass --name, --email or --avatar-url")
			}

			if _, err := app.store.Load(ctx); err != nil {
				return err
			}
			identity, err := app.session.UpdateProfile(ctx, updates)
			if err != nil {
				return err
			}
			app.printer.Success("Profile updated")
			return app.printIdentity(cmd, identity, false)
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "new display name")
	cmd.Flags().StringVar(&email, "email", "", "new email")
	cmd.Flags().StringVar(&avatarURL, "avatar-url", "", "new avatar URL")
	return cmd
}

func newLogoutCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and remove the stored session",
		Args:  cobra.NoArgs,
		RunE: app.run(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			signedIn, err := app.store.Load(ctx)
			if err != nil {
				return err
			}
			if err := app.session.Logout(ctx); err != nil {
				return err
			}
			if signedIn {
				app.printer.Success("Signed out")
			} else {
				app.printer.Info("Not signed in")
			}
			return nil
		}),
	}
}

// completeChallenge verifies the live ticket with preset, or prompts for
// a code up to maxCodeAttempts times. The ticket is abandoned when every
// attempt fails.
func (a *App) completeChallenge(cmd *cobra.Command, preset string) (*credential.Identity, error) {
	ticket := a.challenges.Pending()
	if ticket == nil {
		return nil, challenge.ErrNoPendingChallenge
	}
	a.printer.Info("Verification required for %s", ticket.Email)

	attempts := maxCodeAttempts
	if preset != "" {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		code := preset
		if code == "" {
			var err error
			if code, err = a.prompt.Line("Verification code: "); err != nil {
				a.challenges.Abandon()
				return nil, err
			}
		}
		identity, err := a.challenges.Verify(cmd.Context(), code)
		if err == nil {
			return identity, nil
		}
		if !errors.Is(err, challenge.ErrInvalidCode) && !errors.Is(err, session.ErrInvalidCredentials) {
			a.challenges.Abandon()
			return nil, err
		}
		lastErr = err
		if i < attempts-1 {
			a.printer.Warning("%s", errorMessage(err))
		}
	}
	a.challenges.Abandon()
	return nil, fmt.Errorf("verification failed: %s", errorMessage(lastErr))
}

func (a *App) printIdentity(cmd *cobra.Command, identity *credential.Identity, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(identity)
	}
	a.printer.Field("ID", identity.ID)
	a.printer.Field("Email", identity.Email)
	a.printer.Field("Name", identity.Name)
	a.printer.Field("Role", identity.Role)
	if identity.CompanyID != "" {
		a.printer.Field("Company", fmt.Sprintf("%s (%s)", identity.CompanyName, identity.CompanyRole))
	}
	mfa := "disabled"
	if identity.MFAEnabled {
		mfa = "enabled"
	}
	a.printer.Field("Verification", mfa)
	if exp, ok := a.store.Token().ExpiresAt(); ok {
		a.printer.Field("Expires", exp.Local().Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}

// errorMessage prefers the backend's own message over the wrapped chain.
func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	var se *api.StatusError
	if errors.As(err, &se) {
		return se.Error()
	}
	var ae *api.ApplicationError
	if errors.As(err, &ae) {
		return ae.Error()
	}
	return err.Error()
}
