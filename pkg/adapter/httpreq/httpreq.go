// Package httpreq performs arbitrary outbound HTTP calls, gated by the
// workflow's egress allowlist.
package httpreq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user/dsentr"
	"github.com/user/dsentr/pkg/adapter"
	"github.com/user/dsentr/pkg/template"
)

type Adapter struct {
	Client *http.Client
	Log    dsentr.Logger
}

func New(client *http.Client, log dsentr.Logger) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{Client: client, Log: log}
}

// HostAllowed reports whether host may be dialed under the allowlist. An
// empty allowlist allows everything; entries match the host exactly,
// case-insensitively, ignoring any port.
func HostAllowed(host string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, entry := range allowlist {
		if strings.ToLower(strings.TrimSpace(entry)) == host {
			return true
		}
	}
	return false
}

func (a *Adapter) Perform(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	params := req.Action.Params
	rawURL := adapter.Templated(params, "url", req.Context)
	if rawURL == "" {
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation, fmt.Errorf("http: url is required"))
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Hostname() == "" {
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation, fmt.Errorf("http: invalid url %q", rawURL))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation, fmt.Errorf("http: unsupported scheme %q", parsed.Scheme))
	}

	host := parsed.Hostname()
	if !HostAllowed(host, req.Allowlist) {
		if req.ReportEgressBlock != nil {
			req.ReportEgressBlock(host)
		}
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryPolicy,
			fmt.Errorf("http: host %q is not in the egress allowlist", host))
	}

	method := strings.ToUpper(adapter.Param(params, "method"))
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
	default:
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation, fmt.Errorf("http: unsupported method %q", method))
	}

	body := adapter.Templated(params, "body", req.Context)
	headers := map[string]string{}
	if raw, ok := params["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = template.Render(s, req.Context)
			}
		}
	}

	resp, err := adapter.Do(ctx, a.Client, func() (*http.Request, error) {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		httpReq, err := http.NewRequest(method, rawURL, reader)
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}
		if body != "" && httpReq.Header.Get("Content-Type") == "" {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		return httpReq, nil
	})
	if err != nil {
		return adapter.Result{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryTransport, fmt.Errorf("http: read response from %s: %w", host, err))
	}
	if resp.StatusCode >= 400 {
		return adapter.Result{}, adapter.StatusError(host, resp.StatusCode)
	}

	out := map[string]any{"status": resp.StatusCode}
	if json.Valid(respBody) {
		out["body"] = json.RawMessage(respBody)
	} else {
		out["body"] = string(respBody)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return adapter.Result{}, err
	}
	return adapter.Result{Output: raw}, nil
}
