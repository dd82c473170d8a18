// Package notion creates pages in a Notion database using a connection's
// integration token.
package notion

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
	"github.com/user/dsentr/pkg/template"
)

const notionVersion = "2022-06-28"

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
		apiBase = "https://api.notion.com"
	}
	return &Adapter{Client: client, APIBase: apiBase, Log: log}
}

func (a *Adapter) Perform(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	params := req.Action.Params
	databaseID := adapter.Param(params, "databaseId")
	title := adapter.Templated(params, "title", req.Context)
	if databaseID == "" || title == "" {
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation,
			fmt.Errorf("notion: databaseId and title are required"))
	}
	if req.AccessToken == nil {
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation,
			fmt.Errorf("notion: no connection configured"))
	}
	token, err := req.AccessToken(ctx)
	if err != nil {
		return adapter.Result{}, err
	}

	properties := map[string]any{
		"title": map[string]any{
			"title": []any{
				map[string]any{"text": map[string]any{"content": title}},
			},
		},
	}
	// propertiesJson lets the node set arbitrary database columns; the raw
	// JSON is templated before parsing.
	if extra := adapter.Param(params, "propertiesJson"); extra != "" {
		rendered := template.Render(extra, req.Context)
		var extraProps map[string]any
		if err := json.Unmarshal([]byte(rendered), &extraProps); err != nil {
			return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation,
				fmt.Errorf("notion: propertiesJson is not valid JSON: %w", err))
		}
		for k, v := range extraProps {
			properties[k] = v
		}
	}

	payload, err := json.Marshal(map[string]any{
		"parent":     map[string]string{"database_id": databaseID},
		"properties": properties,
	})
	if err != nil {
		return adapter.Result{}, err
	}

	resp, err := adapter.Do(ctx, a.Client, func() (*http.Request, error) {
		httpReq, err := http.NewRequest(http.MethodPost, a.APIBase+"/v1/pages", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
		httpReq.Header.Set("Notion-Version", notionVersion)
		httpReq.Header.Set("Content-Type", "application/json")
		return httpReq, nil
	})
	if err != nil {
		return adapter.Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return adapter.Result{}, adapter.StatusError("notion", resp.StatusCode)
	}

	var page struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_ = json.Unmarshal(body, &page)
	out, err := json.Marshal(map[string]any{"created": true, "page_id": page.ID, "url": page.URL})
	if err != nil {
		return adapter.Result{}, err
	}
	return adapter.Result{Output: out}, nil
}
