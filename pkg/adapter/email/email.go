// Package email sends mail through SMTP, SendGrid, Mailgun, or Amazon SES,
// selected per node by emailProvider.
package email

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gsoultan/gsmail"
	gsmtp "github.com/gsoultan/gsmail/smtp"

	"github.com/user/dsentr"
	"github.com/user/dsentr/pkg/adapter"
	"github.com/user/dsentr/pkg/template"
)

// SenderFactory builds an SMTP sender. Tests substitute a mock.
type SenderFactory func(host string, port int, user, password string, ssl bool) gsmail.Sender

type Adapter struct {
	Client       *http.Client
	SendGridBase string
	MailgunBase  string
	SESEndpoint  string // overrides the region-derived SES host when set
	NewSender    SenderFactory
	Log          dsentr.Logger
}

func New(client *http.Client, sendGridBase, mailgunBase, sesEndpoint string, log dsentr.Logger) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{
		Client:       client,
		SendGridBase: sendGridBase,
		MailgunBase:  mailgunBase,
		SESEndpoint:  sesEndpoint,
		NewSender: func(host string, port int, user, password string, ssl bool) gsmail.Sender {
			return gsmtp.NewSender(host, port, user, password, ssl)
		},
		Log: log,
	}
}

// message is the provider-independent content of one send.
type message struct {
	To           []string
	Subject      string
	Body         string
	TemplateID   string
	TemplateVars map[string]string
}

func (a *Adapter) Perform(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	params := req.Action.Params
	provider := req.Action.EmailProvider
	if provider == "" {
		provider = adapter.Param(params, "emailProvider")
	}
	if provider == "" {
		provider = "smtp"
	}

	msg, err := buildMessage(params, req.Context)
	if err != nil {
		return adapter.Result{}, err
	}
	if msg.TemplateID == "" && (msg.Subject == "" || msg.Body == "") {
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation,
			fmt.Errorf("email: subject and body are required without a template"))
	}

	switch provider {
	case "smtp":
		return a.sendSMTP(ctx, params, req.Context, msg)
	case "sendgrid":
		return a.sendSendGrid(ctx, params, msg)
	case "mailgun":
		return a.sendMailgun(ctx, params, msg)
	case "amazon_ses":
		return a.sendSES(ctx, params, msg)
	default:
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation,
			fmt.Errorf("email: unknown provider %q", provider))
	}
}

func buildMessage(params map[string]any, context []byte) (message, error) {
	to, err := ParseRecipients(adapter.Templated(params, "to", context))
	if err != nil {
		return message{}, err
	}
	msg := message{
		To:      to,
		Subject: adapter.Templated(params, "subject", context),
		Body:    adapter.Templated(params, "body", context),
	}
	if msg.TemplateID = adapter.Param(params, "templateId"); msg.TemplateID == "" {
		msg.TemplateID = adapter.Param(params, "template")
	}
	if vars, ok := params["templateVariables"].([]any); ok {
		msg.TemplateVars = make(map[string]string, len(vars))
		for _, v := range vars {
			entry, ok := v.(map[string]any)
			if !ok {
				continue
			}
			key := fmt.Sprint(entry["key"])
			if key == "" {
				continue
			}
			raw, _ := entry["value"].(string)
			msg.TemplateVars[key] = template.Render(raw, context)
		}
	}
	return msg, nil
}

// ParseRecipients splits a comma-separated recipient list, trims entries,
// deduplicates case-insensitively, and validates each as local@domain.tld.
func ParseRecipients(raw string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		addr := strings.TrimSpace(part)
		if addr == "" {
			continue
		}
		if !validAddress(addr) {
			return nil, dsentr.Categorize(dsentr.CategoryValidation,
				fmt.Errorf("email: invalid recipient %q", addr))
		}
		key := strings.ToLower(addr)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, addr)
	}
	if len(out) == 0 {
		return nil, dsentr.Categorize(dsentr.CategoryValidation,
			fmt.Errorf("email: no recipients"))
	}
	return out, nil
}

func validAddress(addr string) bool {
	at := strings.IndexByte(addr, '@')
	if at < 1 || at != strings.LastIndexByte(addr, '@') {
		return false
	}
	domain := addr[at+1:]
	dot := strings.LastIndexByte(domain, '.')
	if dot < 1 || dot == len(domain)-1 {
		return false
	}
	tld := domain[dot+1:]
	if len(tld) < 2 {
		return false
	}
	for i := 0; i < len(tld); i++ {
		c := tld[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return !strings.ContainsAny(addr, " \t\r\n")
}

type sendOutput struct {
	Sent           bool   `json:"sent"`
	Service        string `json:"service"`
	Status         int    `json:"status,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	RecipientCount int    `json:"recipient_count"`
}

func output(service string, status int, messageID string, recipients int) adapter.Result {
	raw, _ := json.Marshal(sendOutput{
		Sent:           true,
		Service:        service,
		Status:         status,
		MessageID:      messageID,
		RecipientCount: recipients,
	})
	return adapter.Result{Output: raw}
}
