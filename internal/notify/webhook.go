package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	maxErrorBodyBytes = 1024
	// SignatureHeader carries hex HMAC-SHA256 of the body when a secret is set.
	SignatureHeader = "X-Healrun-Signature"
)

type WebhookSender struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookSender(webhookURL, secret string, client *http.Client) *WebhookSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookSender{
		url:    strings.TrimSpace(webhookURL),
		secret: secret,
		client: client,
	}
}

func (s *WebhookSender) Name() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	var headers map[string]string
	if s.secret != "" {
		headers = map[string]string{SignatureHeader: "sha256=" + Sign(s.secret, body)}
	}
	return postJSON(ctx, s.client, s.url, body, headers, s.Name())
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func readErrorBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return msg
}
