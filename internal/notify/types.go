// Package notify delivers job outcome notifications from the store outbox.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"healrun/internal/db"
)

// Triggers are the terminal job statuses that produce events.
const (
	TriggerSucceeded = db.StatusSucceeded
	TriggerFailed    = db.StatusFailed
)

var AllTriggers = []string{TriggerSucceeded, TriggerFailed}

// Payload is the JSON body posted to webhooks.
type Payload struct {
	Event         string `json:"event"`
	JobID         string `json:"job_id"`
	IssueRef      string `json:"issue_ref"`
	RepoKey       string `json:"repo_key"`
	Title         string `json:"title"`
	Priority      string `json:"priority"`
	Attempts      int    `json:"self_heal_attempts"`
	ErrorCategory string `json:"error_category,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	Timestamp     string `json:"timestamp"`
}

type Sender interface {
	Name() string
	Send(ctx context.Context, payload Payload) error
}

type ChannelResult struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func IsValidTrigger(trigger string) bool {
	return trigger == TriggerSucceeded || trigger == TriggerFailed
}

// TriggerSet normalizes triggers; nil enables all of them.
func TriggerSet(triggers []string) map[string]struct{} {
	if triggers == nil {
		triggers = AllTriggers
	}
	out := make(map[string]struct{}, len(triggers))
	for _, trigger := range triggers {
		normalized := strings.ToLower(strings.TrimSpace(trigger))
		if IsValidTrigger(normalized) {
			out[normalized] = struct{}{}
		}
	}
	return out
}

func EventLabel(event string) string {
	if event == TriggerSucceeded {
		return "Job Succeeded"
	}
	return "Job Failed"
}

// PayloadForJob builds the payload for an outcome event on job.
func PayloadForJob(event string, job db.Job) Payload {
	return Payload{
		Event:         event,
		JobID:         job.ID,
		IssueRef:      job.IssueRef,
		RepoKey:       job.RepoKey,
		Title:         job.Title,
		Priority:      job.Priority.String(),
		Attempts:      job.Attempts,
		ErrorCategory: job.ErrorCategory,
		ErrorMessage:  job.ErrorMessage,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}

// TestPayload is a sample payload for checking channel setup.
func TestPayload() Payload {
	return Payload{
		Event:         TriggerFailed,
		JobID:         "hr-job-test",
		IssueRef:      "example/repo#1",
		RepoKey:       "example/repo",
		Title:         "Test notification from healrun",
		Priority:      "normal",
		Attempts:      2,
		ErrorCategory: "test_failure",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}

func SlackText(payload Payload) string {
	text := fmt.Sprintf("healrun: %s\nRepo: %s\nIssue: %s\nJob: %s", EventLabel(payload.Event), payload.RepoKey, payload.IssueRef, db.ShortID(payload.JobID))
	if payload.Title != "" {
		text += "\nTitle: " + payload.Title
	}
	if payload.Event == TriggerFailed {
		text += fmt.Sprintf("\nCategory: %s (after %d self-heal attempts)", payload.ErrorCategory, payload.Attempts)
	}
	return text
}
