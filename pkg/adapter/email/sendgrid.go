package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/user/dsentr"
	"github.com/user/dsentr/pkg/adapter"
)

type sgAddress struct {
	Email string `json:"email"`
}

type sgPayload struct {
	Personalizations []struct {
		To                  []sgAddress       `json:"to"`
		DynamicTemplateData map[string]string `json:"dynamic_template_data,omitempty"`
	} `json:"personalizations"`
	From       sgAddress   `json:"from"`
	Subject    string      `json:"subject,omitempty"`
	Content    []sgContent `json:"content,omitempty"`
	TemplateID string      `json:"template_id,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (a *Adapter) sendSendGrid(ctx context.Context, params map[string]any, msg message) (adapter.Result, error) {
	apiKey := adapter.Param(params, "apiKey")
	from := adapter.Param(params, "from")
	if apiKey == "" || from == "" {
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation,
			fmt.Errorf("sendgrid: apiKey and from are required"))
	}

	var payload sgPayload
	payload.Personalizations = make([]struct {
		To                  []sgAddress       `json:"to"`
		DynamicTemplateData map[string]string `json:"dynamic_template_data,omitempty"`
	}, 1)
	for _, to := range msg.To {
		payload.Personalizations[0].To = append(payload.Personalizations[0].To, sgAddress{Email: to})
	}
	payload.From = sgAddress{Email: from}
	if msg.TemplateID != "" {
		payload.TemplateID = msg.TemplateID
		payload.Personalizations[0].DynamicTemplateData = msg.TemplateVars
	} else {
		payload.Subject = msg.Subject
		payload.Content = []sgContent{{Type: "text/plain", Value: msg.Body}}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return adapter.Result{}, err
	}

	url := a.SendGridBase + "/v3/mail/send"
	resp, err := adapter.Do(ctx, a.Client, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return adapter.Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return adapter.Result{}, adapter.StatusError("sendgrid", resp.StatusCode)
	}
	return output("sendgrid", resp.StatusCode, resp.Header.Get("X-Message-Id"), len(msg.To)), nil
}
