package email

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gsoultan/gsmail"

	"github.com/user/dsentr"
	"github.com/user/dsentr/pkg/adapter"
)

// resolveTLS maps the smtpTlsMode param to the sender's ssl flag. Plaintext
// SMTP is refused outright.
func resolveTLS(mode string, port int) (implicit bool, err error) {
	switch mode {
	case "":
		return port == 465, nil
	case "starttls":
		return false, nil
	case "implicit_tls", "implicit", "wrapper":
		return true, nil
	case "none", "plaintext":
		return false, dsentr.Categorize(dsentr.CategoryValidation,
			fmt.Errorf("smtp: plaintext transport is not allowed"))
	default:
		return false, dsentr.Categorize(dsentr.CategoryValidation,
			fmt.Errorf("smtp: unknown tls mode %q", mode))
	}
}

func (a *Adapter) sendSMTP(ctx context.Context, params map[string]any, context []byte, msg message) (adapter.Result, error) {
	host := adapter.Param(params, "host")
	user := adapter.Param(params, "user")
	password := adapter.Param(params, "password")
	from := adapter.Param(params, "from")
	port, portErr := strconv.Atoi(adapter.Param(params, "port"))

	switch {
	case host == "":
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation, fmt.Errorf("smtp: host is required"))
	case portErr != nil || port < 1 || port > 65535:
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation, fmt.Errorf("smtp: port must be 1-65535"))
	case user == "" || password == "":
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation, fmt.Errorf("smtp: user and password are required"))
	case from == "":
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation, fmt.Errorf("smtp: from is required"))
	}

	implicit, err := resolveTLS(adapter.Param(params, "smtpTlsMode"), port)
	if err != nil {
		return adapter.Result{}, err
	}

	sender := a.NewSender(host, port, user, password, implicit)
	mail := gsmail.Email{
		From:    from,
		To:      msg.To,
		Subject: msg.Subject,
		Body:    []byte(msg.Body),
	}
	if err := sender.Send(ctx, mail); err != nil {
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryTransport,
			fmt.Errorf("smtp %s:%d: %w", host, port, err))
	}
	return output("SMTP", 0, "", len(msg.To)), nil
}
