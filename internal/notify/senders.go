package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"healrun/internal/config"
	"healrun/internal/httputil"
)

var urlPattern = regexp.MustCompile(`https?://[^\s"'` + "`" + `]+`)

// BuildSenders returns a sender per configured channel.
func BuildSenders(cfg config.NotificationsConfig, client *http.Client) []Sender {
	senders := make([]Sender, 0, 2)
	if strings.TrimSpace(cfg.WebhookURL) != "" {
		senders = append(senders, NewWebhookSender(cfg.WebhookURL, cfg.WebhookSecret, client))
	}
	if strings.TrimSpace(cfg.SlackWebhook) != "" {
		senders = append(senders, NewSlackSender(cfg.SlackWebhook, client))
	}
	return senders
}

// SendAll sends payload to every sender, each under its own timeout.
func SendAll(ctx context.Context, senders []Sender, payload Payload, timeout time.Duration) []ChannelResult {
	results := make([]ChannelResult, 0, len(senders))
	for _, sender := range senders {
		if sender == nil {
			continue
		}
		sendCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			sendCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		err := sender.Send(sendCtx, payload)
		cancel()
		result := ChannelResult{Channel: sender.Name(), Success: err == nil}
		if err != nil {
			result.Error = sanitizeChannelError(err)
		}
		results = append(results, result)
	}
	return results
}

// ErrNoChannels is returned by SendTest when nothing is configured.
var ErrNoChannels = errors.New("no notification channels configured")

// SendTest delivers payload (usually TestPayload) to every sender and fails
// unless at least one channel accepted it.
func SendTest(ctx context.Context, senders []Sender, payload Payload, timeout time.Duration) ([]ChannelResult, error) {
	if len(senders) == 0 {
		return nil, ErrNoChannels
	}
	results := SendAll(ctx, senders, payload, timeout)
	if !anySucceeded(results) {
		return results, fmt.Errorf("all notification channels failed: %s", summarizeFailures(results))
	}
	return results, nil
}

func summarizeFailures(results []ChannelResult) string {
	var parts []string
	for _, r := range results {
		switch {
		case r.Success:
		case r.Error == "":
			parts = append(parts, r.Channel+" failed")
		default:
			parts = append(parts, r.Channel+": "+r.Error)
		}
	}
	return strings.Join(parts, "; ")
}

func anySucceeded(results []ChannelResult) bool {
	for _, r := range results {
		if r.Success {
			return true
		}
	}
	return false
}

// sanitizeChannelError strips webhook secrets from error text before it is
// stored.
func sanitizeChannelError(err error) string {
	msg := urlPattern.ReplaceAllStringFunc(strings.TrimSpace(err.Error()), func(match string) string {
		parsed, perr := url.Parse(match)
		if perr != nil || parsed.Host == "" {
			return "[redacted-url]"
		}
		return parsed.Scheme + "://" + parsed.Host + "/REDACTED"
	})
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

// postJSON posts body with retry on 429, 5xx and network errors.
func postJSON(ctx context.Context, client *http.Client, endpoint string, body []byte, headers map[string]string, channel string) error {
	if strings.TrimSpace(endpoint) == "" {
		return fmt.Errorf("%s endpoint is empty", channel)
	}
	resp, err := httputil.Do(ctx, client, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	}, httputil.DefaultPolicy())
	if err != nil {
		return fmt.Errorf("send %s request: %w", channel, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s request failed with status %d: %s", channel, resp.StatusCode, readErrorBody(resp))
	}
	return nil
}
