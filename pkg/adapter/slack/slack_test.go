package slack

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/user/dsentr"
	"github.com/user/dsentr/internal/graph"
	"github.com/user/dsentr/pkg/adapter"
)

func request(params map[string]any, token string, tokenErr error) adapter.Request {
	return adapter.Request{
		Action:  &graph.ActionData{Type: "slack", Params: params},
		Context: []byte(`{"incident":{"id":"INC-7"}}`),
		AccessToken: func(context.Context) (string, error) {
			return token, tokenErr
		},
	}
}

func TestPerform_PostsMessage(t *testing.T) {
	var body, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		auth = r.Header.Get("Authorization")
		w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.1"}`))
	}))
	defer srv.Close()

	a := New(srv.Client(), srv.URL, dsentr.NopLogger{})
	res, err := a.Perform(context.Background(), request(map[string]any{
		"channel": "#ops",
		"text":    "Incident {{ incident.id }} resolved",
	}, "xoxb-token", nil))
	if err != nil {
		t.Fatalf("perform: %v", err)
	}
	if auth != "Bearer xoxb-token" {
		t.Fatalf("auth: %q", auth)
	}
	if gjson.Get(body, "text").String() != "Incident INC-7 resolved" {
		t.Fatalf("text: %s", body)
	}
	if gjson.GetBytes(res.Output, "ts").String() != "1700000000.1" {
		t.Fatalf("output: %s", res.Output)
	}
}

func TestPerform_APIErrorEnvelope(t *testing.T) {
	cases := []struct {
		apiError string
		want     dsentr.ErrorCategory
	}{
		{"token_revoked", dsentr.CategoryAuth},
		{"invalid_auth", dsentr.CategoryAuth},
		{"channel_not_found", dsentr.CategoryValidation},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"ok":false,"error":"` + tc.apiError + `"}`))
		}))
		a := New(srv.Client(), srv.URL, dsentr.NopLogger{})
		_, err := a.Perform(context.Background(), request(map[string]any{
			"channel": "#ops", "text": "x",
		}, "xoxb", nil))
		srv.Close()
		if dsentr.CategoryOf(err) != tc.want {
			t.Fatalf("%s: category %s", tc.apiError, dsentr.CategoryOf(err))
		}
		if tc.want == dsentr.CategoryAuth && !errors.Is(err, dsentr.ErrTokenRevoked) {
			t.Fatalf("%s: missing TokenRevoked marker: %v", tc.apiError, err)
		}
	}
}

func TestPerform_StaleConnection(t *testing.T) {
	a := New(http.DefaultClient, "", dsentr.NopLogger{})
	_, err := a.Perform(context.Background(), request(map[string]any{
		"channel": "#ops", "text": "x",
	}, "", dsentr.ErrConnectionRevoked))
	if !errors.Is(err, dsentr.ErrConnectionRevoked) {
		t.Fatalf("want ErrConnectionRevoked, got %v", err)
	}
}

func TestPerform_Validation(t *testing.T) {
	a := New(http.DefaultClient, "", dsentr.NopLogger{})
	if _, err := a.Perform(context.Background(), request(map[string]any{"text": "x"}, "tok", nil)); err == nil {
		t.Fatalf("missing channel accepted")
	}
	req := request(map[string]any{"channel": "#ops", "text": "x"}, "", nil)
	req.AccessToken = nil
	if _, err := a.Perform(context.Background(), req); err == nil {
		t.Fatalf("missing connection accepted")
	}
}
