package email

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gsoultan/gsmail"
	"github.com/tidwall/gjson"

	"github.com/user/dsentr"
	"github.com/user/dsentr/internal/graph"
	"github.com/user/dsentr/pkg/adapter"
)

type mockSender struct {
	host    string
	port    int
	ssl     bool
	sent    []gsmail.Email
	sendErr error
}

func (m *mockSender) Send(_ context.Context, e gsmail.Email) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, e)
	return nil
}

func (m *mockSender) Validate(_ context.Context, _ string) error { return nil }

func (m *mockSender) Ping(_ context.Context) error { return nil }

func newTestAdapter(sender *mockSender, base string) *Adapter {
	a := New(http.DefaultClient, base, base, base, dsentr.NopLogger{})
	a.NewSender = func(host string, port int, _, _ string, ssl bool) gsmail.Sender {
		sender.host, sender.port, sender.ssl = host, port, ssl
		return sender
	}
	return a
}

func request(params map[string]any, provider string, context string) adapter.Request {
	return adapter.Request{
		Action:  &graph.ActionData{Type: "email", EmailProvider: provider, Params: params},
		Context: []byte(context),
	}
}

func TestSMTP_TemplatedSubjectAndSTARTTLS(t *testing.T) {
	sender := &mockSender{}
	a := newTestAdapter(sender, "")

	res, err := a.Perform(context.Background(), request(map[string]any{
		"host": "mail.example.com", "port": "587",
		"user": "u", "password": "p", "from": "noreply@example.com",
		"to":      "alice@example.com",
		"subject": "Hi {{ user.name }}",
		"body":    "Welcome, {{ user.name }}.",
	}, "smtp", `{"user":{"name":"Alice"}}`))
	if err != nil {
		t.Fatalf("perform: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d emails", len(sender.sent))
	}
	mail := sender.sent[0]
	if mail.Subject != "Hi Alice" {
		t.Fatalf("subject: got %q", mail.Subject)
	}
	if string(mail.Body) != "Welcome, Alice." {
		t.Fatalf("body: got %q", mail.Body)
	}
	// Port 587 without an explicit mode negotiates STARTTLS.
	if sender.ssl {
		t.Fatalf("expected starttls, got implicit tls")
	}

	var out sendOutput
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatalf("output: %v", err)
	}
	if !out.Sent || out.Service != "SMTP" || out.RecipientCount != 1 {
		t.Fatalf("output: %+v", out)
	}
}

func TestSMTP_TLSRules(t *testing.T) {
	cases := []struct {
		mode     string
		port     string
		implicit bool
		wantErr  bool
	}{
		{"", "465", true, false},
		{"", "587", false, false},
		{"starttls", "465", false, false},
		{"implicit_tls", "25", true, false},
		{"implicit", "25", true, false},
		{"wrapper", "25", true, false},
		{"plaintext", "25", false, true},
		{"none", "25", false, true},
		{"carrier-pigeon", "25", false, true},
	}
	for _, tc := range cases {
		sender := &mockSender{}
		a := newTestAdapter(sender, "")
		_, err := a.Perform(context.Background(), request(map[string]any{
			"host": "h", "port": tc.port, "user": "u", "password": "p",
			"from": "f@example.com", "to": "t@example.com",
			"subject": "s", "body": "b", "smtpTlsMode": tc.mode,
		}, "smtp", `{}`))
		if tc.wantErr {
			if err == nil {
				t.Fatalf("mode %q: expected error", tc.mode)
			}
			if dsentr.CategoryOf(err) != dsentr.CategoryValidation {
				t.Fatalf("mode %q: category %s", tc.mode, dsentr.CategoryOf(err))
			}
			continue
		}
		if err != nil {
			t.Fatalf("mode %q port %s: %v", tc.mode, tc.port, err)
		}
		if sender.ssl != tc.implicit {
			t.Fatalf("mode %q port %s: implicit=%v, want %v", tc.mode, tc.port, sender.ssl, tc.implicit)
		}
	}
}

func TestSMTP_ValidationErrors(t *testing.T) {
	bad := []map[string]any{
		{"port": "587", "user": "u", "password": "p", "from": "f@x.com", "to": "t@x.com", "subject": "s", "body": "b"},                      // no host
		{"host": "h", "port": "0", "user": "u", "password": "p", "from": "f@x.com", "to": "t@x.com", "subject": "s", "body": "b"},          // bad port
		{"host": "h", "port": "587", "from": "f@x.com", "to": "t@x.com", "subject": "s", "body": "b"},                                     // no credentials
		{"host": "h", "port": "587", "user": "u", "password": "p", "from": "f@x.com", "to": "not-an-address", "subject": "s", "body": "b"}, // bad recipient
		{"host": "h", "port": "587", "user": "u", "password": "p", "from": "f@x.com", "to": "t@x.com", "body": "b"},                        // no subject
	}
	for i, params := range bad {
		a := newTestAdapter(&mockSender{}, "")
		if _, err := a.Perform(context.Background(), request(params, "smtp", `{}`)); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestParseRecipients(t *testing.T) {
	got, err := ParseRecipients(" a@example.com, B@example.com ,a@Example.COM,c@test.org ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("dedup: %v", got)
	}
	if got[0] != "a@example.com" || got[1] != "B@example.com" || got[2] != "c@test.org" {
		t.Fatalf("order: %v", got)
	}

	for _, bad := range []string{"", "   ", "nodomain@", "@nolocal.com", "two@@ats.com", "no-tld@host", "short-tld@host.a", "digit-tld@host.12"} {
		if _, err := ParseRecipients(bad); err == nil {
			t.Fatalf("ParseRecipients(%q): expected error", bad)
		}
	}
}

func TestSendGrid(t *testing.T) {
	var captured []byte
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		auth = r.Header.Get("Authorization")
		w.Header().Set("X-Message-Id", "sg-123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	a := newTestAdapter(&mockSender{}, srv.URL)
	res, err := a.Perform(context.Background(), request(map[string]any{
		"apiKey": "sg-key", "from": "noreply@example.com",
		"to": "a@example.com,b@example.com", "subject": "s", "body": "hello",
	}, "sendgrid", `{}`))
	if err != nil {
		t.Fatalf("perform: %v", err)
	}
	if auth != "Bearer sg-key" {
		t.Fatalf("auth: %q", auth)
	}
	body := string(captured)
	if gjson.Get(body, "personalizations.0.to.#").Int() != 2 {
		t.Fatalf("recipients: %s", body)
	}
	if gjson.Get(body, "content.0.value").String() != "hello" {
		t.Fatalf("content: %s", body)
	}
	if gjson.GetBytes(res.Output, "message_id").String() != "sg-123" {
		t.Fatalf("output: %s", res.Output)
	}
}

func TestMailgun(t *testing.T) {
	var form string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		form = string(b)
		if u, p, _ := r.BasicAuth(); u != "api" || p != "mg-key" {
			t.Errorf("basic auth: %s %s", u, p)
		}
		w.Write([]byte(`{"id":"<mg-1@example.com>"}`))
	}))
	defer srv.Close()

	a := newTestAdapter(&mockSender{}, srv.URL)
	res, err := a.Perform(context.Background(), request(map[string]any{
		"apiKey": "mg-key", "domain": "mg.example.com", "from": "noreply@example.com",
		"to": "a@example.com", "subject": "s", "body": "hello",
	}, "mailgun", `{}`))
	if err != nil {
		t.Fatalf("perform: %v", err)
	}
	if !strings.Contains(form, "to=a%40example.com") || !strings.Contains(form, "text=hello") {
		t.Fatalf("form: %s", form)
	}
	if gjson.GetBytes(res.Output, "message_id").String() != "<mg-1@example.com>" {
		t.Fatalf("output: %s", res.Output)
	}
}

func TestSESv2_TemplateSend(t *testing.T) {
	var captured []byte
	var path, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		w.Write([]byte(`{"MessageId":"ses-1"}`))
	}))
	defer srv.Close()

	a := newTestAdapter(&mockSender{}, srv.URL)
	res, err := a.Perform(context.Background(), request(map[string]any{
		"accessKeyId": "AKIA123", "secretAccessKey": "secret",
		"from": "noreply@example.com", "to": "riley@example.com",
		"template": "welcome",
		"templateVariables": []any{
			map[string]any{"key": "name", "value": "{{ user.name }}"},
		},
	}, "amazon_ses", `{"user":{"name":"Riley"}}`))
	if err != nil {
		t.Fatalf("perform: %v", err)
	}

	if path != "/v2/email/outbound-emails" {
		t.Fatalf("path: %s", path)
	}
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=") {
		t.Fatalf("authorization: %q", auth)
	}
	body := string(captured)
	if gjson.Get(body, "Content.Template.TemplateName").String() != "welcome" {
		t.Fatalf("template name: %s", body)
	}
	data := gjson.Get(body, "Content.Template.TemplateData").String()
	if gjson.Get(data, "name").String() != "Riley" {
		t.Fatalf("template data: %s", data)
	}
	if gjson.GetBytes(res.Output, "message_id").String() != "ses-1" {
		t.Fatalf("output: %s", res.Output)
	}
}

func TestSESv1_FormSend(t *testing.T) {
	var form string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		form = string(b)
		if r.URL.Path != "/" {
			t.Errorf("path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newTestAdapter(&mockSender{}, srv.URL)
	_, err := a.Perform(context.Background(), request(map[string]any{
		"accessKeyId": "AKIA123", "secretAccessKey": "secret", "sesVersion": "v1",
		"from": "noreply@example.com", "to": "a@example.com",
		"subject": "s", "body": "b",
	}, "amazon_ses", `{}`))
	if err != nil {
		t.Fatalf("perform: %v", err)
	}
	for _, want := range []string{"Action=SendEmail", "Destination.ToAddresses.member.1=a%40example.com"} {
		if !strings.Contains(form, want) {
			t.Fatalf("form missing %q: %s", want, form)
		}
	}
}

func TestStatusErrorsByProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := newTestAdapter(&mockSender{}, srv.URL)
	_, err := a.Perform(context.Background(), request(map[string]any{
		"apiKey": "bad", "from": "noreply@example.com",
		"to": "a@example.com", "subject": "s", "body": "b",
	}, "sendgrid", `{}`))
	if dsentr.CategoryOf(err) != dsentr.CategoryAuth {
		t.Fatalf("401: category %s (%v)", dsentr.CategoryOf(err), err)
	}
}
