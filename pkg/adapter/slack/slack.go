// Package slack posts messages through the Slack Web API using a workspace
// connection's bot token.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/dsentr"
	"github.com/user/dsentr/pkg/adapter"
)

const defaultAPIBase = "https://slack.com/api"

type Adapter struct {
	Client  *http.Client
	APIBase string
	Log     dsentr.Logger
}

func New(client *http.Client, apiBase string, log dsentr.Logger) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &Adapter{Client: client, APIBase: apiBase, Log: log}
}

func (a *Adapter) Perform(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	params := req.Action.Params
	channel := adapter.Templated(params, "channel", req.Context)
	text := adapter.Templated(params, "text", req.Context)
	if channel == "" || text == "" {
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation,
			fmt.Errorf("slack: channel and text are required"))
	}
	if req.AccessToken == nil {
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation,
			fmt.Errorf("slack: no connection configured"))
	}
	token, err := req.AccessToken(ctx)
	if err != nil {
		return adapter.Result{}, err
	}

	payload, err := json.Marshal(map[string]string{"channel": channel, "text": text})
	if err != nil {
		return adapter.Result{}, err
	}

	resp, err := adapter.Do(ctx, a.Client, func() (*http.Request, error) {
		httpReq, err := http.NewRequest(http.MethodPost, a.APIBase+"/chat.postMessage", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
		httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
		return httpReq, nil
	})
	if err != nil {
		return adapter.Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return adapter.Result{}, adapter.StatusError("slack", resp.StatusCode)
	}

	// Slack reports API errors inside a 200 envelope.
	var apiResp struct {
		OK      bool   `json:"ok"`
		Error   string `json:"error"`
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryTransport, fmt.Errorf("slack: decode response: %w", err))
	}
	if !apiResp.OK {
		switch apiResp.Error {
		case "invalid_auth", "token_revoked", "account_inactive", "not_authed":
			return adapter.Result{}, dsentr.Categorize(dsentr.CategoryAuth,
				fmt.Errorf("%w: slack: %s", dsentr.ErrTokenRevoked, apiResp.Error))
		default:
			return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation,
				fmt.Errorf("slack: %s", apiResp.Error))
		}
	}

	out, err := json.Marshal(map[string]any{"posted": true, "channel": apiResp.Channel, "ts": apiResp.TS})
	if err != nil {
		return adapter.Result{}, err
	}
	return adapter.Result{Output: out}, nil
}
