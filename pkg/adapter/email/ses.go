package email

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/user/dsentr"
	"github.com/user/dsentr/pkg/adapter"
)

func (a *Adapter) sendSES(ctx context.Context, params map[string]any, msg message) (adapter.Result, error) {
	accessKey := adapter.Param(params, "accessKeyId")
	secretKey := adapter.Param(params, "secretAccessKey")
	from := adapter.Param(params, "from")
	if accessKey == "" || secretKey == "" || from == "" {
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation,
			fmt.Errorf("amazon_ses: accessKeyId, secretAccessKey and from are required"))
	}
	region := adapter.Param(params, "region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := a.SESEndpoint
	if endpoint == "" {
		endpoint = "https://email." + region + ".amazonaws.com"
	}

	version := strings.ToLower(adapter.Param(params, "sesVersion"))
	switch version {
	case "", "v2", "2":
		return a.sendSESv2(ctx, endpoint, region, accessKey, secretKey, from, msg)
	case "v1", "1", "classic":
		return a.sendSESv1(ctx, endpoint, region, accessKey, secretKey, from, msg)
	default:
		return adapter.Result{}, dsentr.Categorize(dsentr.CategoryValidation,
			fmt.Errorf("amazon_ses: unknown sesVersion %q", version))
	}
}

// sendSESv1 issues the classic SendEmail form POST to "/".
func (a *Adapter) sendSESv1(ctx context.Context, endpoint, region, accessKey, secretKey, from string, msg message) (adapter.Result, error) {
	form := url.Values{}
	form.Set("Action", "SendEmail")
	form.Set("Version", "2010-12-01")
	form.Set("Source", from)
	for i, to := range msg.To {
		form.Set("Destination.ToAddresses.member."+strconv.Itoa(i+1), to)
	}
	form.Set("Message.Subject.Data", msg.Subject)
	form.Set("Message.Body.Text.Data", msg.Body)
	body := []byte(form.Encode())

	resp, err := a.signedPost(ctx, endpoint+"/", "application/x-www-form-urlencoded", body, region, accessKey, secretKey)
	if err != nil {
		return adapter.Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return adapter.Result{}, adapter.StatusError("amazon_ses", resp.StatusCode)
	}
	return output("amazon_ses", resp.StatusCode, "", len(msg.To)), nil
}

type sesV2Payload struct {
	FromEmailAddress string `json:"FromEmailAddress"`
	Destination      struct {
		ToAddresses []string `json:"ToAddresses"`
	} `json:"Destination"`
	Content sesV2Content `json:"Content"`
}

type sesV2Content struct {
	Simple   *sesV2Simple   `json:"Simple,omitempty"`
	Template *sesV2Template `json:"Template,omitempty"`
}

type sesV2Simple struct {
	Subject sesV2Data `json:"Subject"`
	Body    struct {
		Text sesV2Data `json:"Text"`
	} `json:"Body"`
}

type sesV2Data struct {
	Data string `json:"Data"`
}

type sesV2Template struct {
	TemplateName string `json:"TemplateName"`
	TemplateData string `json:"TemplateData"`
}

// sendSESv2 issues the JSON POST to /v2/email/outbound-emails. Template sends
// put the variables in TemplateData as stringified JSON.
func (a *Adapter) sendSESv2(ctx context.Context, endpoint, region, accessKey, secretKey, from string, msg message) (adapter.Result, error) {
	var payload sesV2Payload
	payload.FromEmailAddress = from
	payload.Destination.ToAddresses = msg.To
	if msg.TemplateID != "" {
		vars := msg.TemplateVars
		if vars == nil {
			vars = map[string]string{}
		}
		data, err := json.Marshal(vars)
		if err != nil {
			return adapter.Result{}, err
		}
		payload.Content.Template = &sesV2Template{
			TemplateName: msg.TemplateID,
			TemplateData: string(data),
		}
	} else {
		simple := &sesV2Simple{Subject: sesV2Data{Data: msg.Subject}}
		simple.Body.Text = sesV2Data{Data: msg.Body}
		payload.Content.Simple = simple
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return adapter.Result{}, err
	}

	resp, err := a.signedPost(ctx, endpoint+"/v2/email/outbound-emails", "application/json", body, region, accessKey, secretKey)
	if err != nil {
		return adapter.Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return adapter.Result{}, adapter.StatusError("amazon_ses", resp.StatusCode)
	}
	var sesResp struct {
		MessageId string `json:"MessageId"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&sesResp)
	return output("amazon_ses", resp.StatusCode, sesResp.MessageId, len(msg.To)), nil
}

// signedPost signs the request with AWS Signature V4 and sends it.
func (a *Adapter) signedPost(ctx context.Context, rawURL, contentType string, body []byte, region, accessKey, secretKey string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	sum := sha256.Sum256(body)
	creds, err := credentials.NewStaticCredentialsProvider(accessKey, secretKey, "").Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("ses credentials: %w", err)
	}
	signer := v4.NewSigner()
	if err := signer.SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]), "ses", region, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("sign ses request: %w", err)
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, dsentr.Categorize(dsentr.CategoryTransport, fmt.Errorf("amazon_ses: %w", err))
	}
	return resp, nil
}
