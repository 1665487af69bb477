package federated

import (
	"context"
	"fmt"
	"io"

	"github.com/a-h/templ"
)

// callbackPage renders the loopback page shown after a redirect returns.
func callbackPage(flow *Flow) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		title, message := "Signed in", "You can return to the terminal."
		switch flow.State() {
		case FlowError:
			title, message = "Sign-in failed", flow.Message()
		case FlowProcessing:
			title, message = "Signing in", "Please wait."
		default:
			if flow.Result().ChallengeRequired() {
				title, message = "Verification required", "Enter the code from your authenticator in the terminal."
			}
		}
		_, err := fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>%s</title></head>
<body>
<main data-state="%s">
<h1>%s</h1>
<p>%s</p>
</main>
</body>
</html>
`,
			templ.EscapeString(title),
			templ.EscapeString(string(flow.State())),
			templ.EscapeString(title),
			templ.EscapeString(message),
		)
		return err
	})
}
