// Package adapter defines the contract between the engine and outbound
// integrations. Adapters are stateless: their only side effects are the
// network calls they make.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/user/dsentr"
	"github.com/user/dsentr/internal/graph"
	"github.com/user/dsentr/pkg/template"
)

// Request carries everything one node execution needs.
type Request struct {
	Action  *graph.ActionData
	Context []byte // run context the params are templated against

	// Egress policy, enforced by adapters that dial arbitrary hosts.
	Allowlist         []string
	ReportEgressBlock func(host string)

	// AccessToken resolves an OAuth credential for adapters that need one.
	// Nil for adapters that authenticate from params.
	AccessToken func(ctx context.Context) (string, error)
}

// Result is a node's output, merged into the run context under the node id.
type Result struct {
	Output json.RawMessage
}

type Adapter interface {
	Perform(ctx context.Context, req Request) (Result, error)
}

// Registry maps action types to adapters.
type Registry map[string]Adapter

func (r Registry) Lookup(actionType string) (Adapter, error) {
	a, ok := r[actionType]
	if !ok {
		return nil, dsentr.Categorize(dsentr.CategoryValidation,
			fmt.Errorf("unknown action type %q", actionType))
	}
	return a, nil
}

// Param returns a raw string parameter.
func Param(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	switch v := params[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// Templated returns a string parameter rendered against the run context.
func Templated(params map[string]any, key string, context []byte) string {
	return template.Render(Param(params, key), context)
}

const (
	maxBackoffRetries = 3
	baseBackoff       = 250 * time.Millisecond
	maxBackoff        = 2 * time.Second
)

// Do issues a request, retrying on 429 up to three times. The wait honors
// Retry-After when present, otherwise backs off exponentially from 250ms to
// 2s. The caller owns the returned response body. build is called per attempt
// so request bodies are re-created.
func Do(ctx context.Context, client *http.Client, build func() (*http.Request, error)) (*http.Response, error) {
	backoff := baseBackoff
	for attempt := 0; ; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			return nil, dsentr.Categorize(dsentr.CategoryTransport,
				fmt.Errorf("request %s: %w", req.URL.Redacted(), err))
		}
		if resp.StatusCode != http.StatusTooManyRequests || attempt >= maxBackoffRetries {
			return resp, nil
		}

		wait := backoff
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, err := strconv.Atoi(ra); err == nil && sec >= 0 {
				wait = time.Duration(sec) * time.Second
			}
		}
		resp.Body.Close()
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
		select {
		case <-ctx.Done():
			return nil, dsentr.Categorize(dsentr.CategoryTransport, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// StatusError classifies a non-2xx response. 401/403 carry the TokenRevoked
// marker so the engine can trigger OAuth recovery; other 4xx are terminal;
// 5xx remain retryable.
func StatusError(host string, status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return dsentr.Categorize(dsentr.CategoryAuth,
			fmt.Errorf("%w: %s returned %d", dsentr.ErrTokenRevoked, host, status))
	case status >= 500:
		return dsentr.Categorize(dsentr.CategoryTransport,
			fmt.Errorf("%s returned %d", host, status))
	default:
		return dsentr.Categorize(dsentr.CategoryValidation,
			fmt.Errorf("%s returned %d", host, status))
	}
}
