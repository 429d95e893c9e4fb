package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	slackColorSucceeded = "#2eb67d"
	slackColorFailed    = "#e01e5a"
)

// SlackSender posts outcome events to a Slack incoming webhook. The plain
// text line keeps mobile previews readable; the attachment carries the job
// fields colored by outcome.
type SlackSender struct {
	url    string
	client *http.Client
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewSlackSender(webhookURL string, client *http.Client) *SlackSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &SlackSender{url: strings.TrimSpace(webhookURL), client: client}
}

func (s *SlackSender) Name() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, payload Payload) error {
	encoded, err := json.Marshal(slackMessageFor(payload))
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	return postJSON(ctx, s.client, s.url, encoded, nil, s.Name())
}

func slackMessageFor(p Payload) slackMessage {
	att := slackAttachment{
		Color: slackColorSucceeded,
		Fields: []slackField{
			{Title: "Repository", Value: p.RepoKey, Short: true},
			{Title: "Priority", Value: p.Priority, Short: true},
			{Title: "Self-heal attempts", Value: strconv.Itoa(p.Attempts), Short: true},
		},
		Footer: p.JobID,
	}
	if p.Event == TriggerFailed {
		att.Color = slackColorFailed
		att.Fields = append(att.Fields, slackField{Title: "Category", Value: p.ErrorCategory, Short: true})
		if p.ErrorMessage != "" {
			att.Fields = append(att.Fields, slackField{Title: "Error", Value: truncateField(p.ErrorMessage, 300)})
		}
	}
	return slackMessage{Text: SlackText(p), Attachments: []slackAttachment{att}}
}

func truncateField(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
