package email

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/user/dsentr"
	"github.com/user/dsentr/pkg/adapter"
)

func (a *Adapter) sendMailgun(ctx context.Context, params map[string]any, msg message) (adapter.Result, error) {
	apiKey := adapter.Param(params, "apiKey")
	domain := adapter.Param(params, "domain")
	from := adapter.Param(params, "from")
	if apiKey == "" || domain == "" || from == "" {
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation,
			fmt.Errorf("mailgun: apiKey, domain and from are required"))
	}

	form := url.Values{}
	form.Set("from", from)
	form.Set("to", strings.Join(msg.To, ","))
	if msg.TemplateID != "" {
		form.Set("template", msg.TemplateID)
		for k, v := range msg.TemplateVars {
			form.Set("v:"+k, v)
		}
		if msg.Subject != "" {
			form.Set("subject", msg.Subject)
		}
	} else {
		form.Set("subject", msg.Subject)
		form.Set("text", msg.Body)
	}
	encoded := form.Encode()

	endpoint := a.MailgunBase + "/v3/" + domain + "/messages"
	resp, err := adapter.Do(ctx, a.Client, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth("api", apiKey)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return adapter.Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return adapter.Result{}, adapter.StatusError("mailgun", resp.StatusCode)
	}

	var mgResp struct {
		ID string `json:"id"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_ = json.Unmarshal(body, &mgResp)
	return output("mailgun", resp.StatusCode, mgResp.ID, len(msg.To)), nil
}
