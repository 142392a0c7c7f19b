// Package notify posts import lifecycle events to a Slack incoming
// webhook. A nil or incomplete configuration disables it silently so
// callers never have to guard their calls.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	colorGreen  = "#36a64f"
	colorYellow = "#ffc107"
	colorRed    = "#dc3545"

	maxErrorLen = 500
)

// SlackConfig configures the webhook destination.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

// SlackMessage is the incoming-webhook payload.
type SlackMessage struct {
	Channel     string       `json:"channel,omitempty"`
	Username    string       `json:"username,omitempty"`
	IconEmoji   string       `json:"icon_emoji,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is one formatted block within a message.
type Attachment struct {
	Color  string  `json:"color,omitempty"`
	Title  string  `json:"title,omitempty"`
	Text   string  `json:"text,omitempty"`
	Fields []Field `json:"fields,omitempty"`
	Footer string  `json:"footer,omitempty"`
}

// Field is a labeled value inside an attachment.
type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// Notifier sends import events to Slack.
type Notifier struct {
	cfg   *SlackConfig
	httpc *http.Client
}

// New builds a notifier. A nil config yields a disabled notifier.
func New(cfg *SlackConfig) *Notifier {
	return &Notifier{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

// IsEnabled reports whether events will actually be sent.
func (n *Notifier) IsEnabled() bool {
	return n.cfg != nil && n.cfg.Enabled && n.cfg.WebhookURL != ""
}

// ImportStarted announces a new import job.
func (n *Notifier) ImportStarted(importID, sourceDB, destDB string, tableCount int) error {
	return n.send(":arrow_forward:", Attachment{
		Color: colorGreen,
		Title: "Import Started",
		Fields: []Field{
			{Title: "Import ID", Value: importID, Short: true},
			{Title: "Tables", Value: fmt.Sprintf("%d", tableCount), Short: true},
			{Title: "Source", Value: sourceDB, Short: true},
			{Title: "Destination", Value: destDB, Short: true},
		},
	})
}

// ImportCompleted announces a fully successful import.
func (n *Notifier) ImportCompleted(importID string, elapsed time.Duration, tableCount int, rows int64) error {
	return n.send(":white_check_mark:", Attachment{
		Color: colorGreen,
		Title: "Import Completed",
		Fields: []Field{
			{Title: "Import ID", Value: importID, Short: true},
			{Title: "Duration", Value: elapsed.Round(time.Second).String(), Short: true},
			{Title: "Tables", Value: fmt.Sprintf("%d", tableCount), Short: true},
			{Title: "Rows", Value: fmt.Sprintf("%d", rows), Short: true},
		},
	})
}

// ImportCompletedWithErrors announces an import that finished but left
// some tables in error.
func (n *Notifier) ImportCompletedWithErrors(importID string, elapsed time.Duration, completed, failed int, rows int64, failedTables []string) error {
	fields := []Field{
		{Title: "Import ID", Value: importID, Short: true},
		{Title: "Duration", Value: elapsed.Round(time.Second).String(), Short: true},
		{Title: "Tables OK", Value: fmt.Sprintf("%d", completed), Short: true},
		{Title: "Tables Failed", Value: fmt.Sprintf("%d", failed), Short: true},
		{Title: "Rows", Value: fmt.Sprintf("%d", rows), Short: true},
	}
	if len(failedTables) > 0 {
		listed := failedTables
		if len(listed) > 10 {
			listed = append(append([]string{}, listed[:10]...), "...")
		}
		fields = append(fields, Field{Title: "Failed Tables", Value: strings.Join(listed, ", ")})
	}
	return n.send(":warning:", Attachment{
		Color:  colorYellow,
		Title:  "Import Completed With Errors",
		Fields: fields,
	})
}

// ImportFailed announces an import that aborted.
func (n *Notifier) ImportFailed(importID string, cause error, elapsed time.Duration) error {
	msg := "Unknown error"
	if cause != nil {
		msg = cause.Error()
		if len(msg) > maxErrorLen {
			msg = msg[:maxErrorLen] + "..."
		}
	}
	return n.send(":x:", Attachment{
		Color: colorRed,
		Title: "Import Failed",
		Fields: []Field{
			{Title: "Import ID", Value: importID, Short: true},
			{Title: "Duration", Value: elapsed.Round(time.Second).String(), Short: true},
			{Title: "Error", Value: msg},
		},
	})
}

func (n *Notifier) send(icon string, att Attachment) error {
	if !n.IsEnabled() {
		return nil
	}
	msg := SlackMessage{
		Channel:     n.cfg.Channel,
		Username:    n.cfg.Username,
		IconEmoji:   icon,
		Attachments: []Attachment{att},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode slack message: %w", err)
	}
	resp, err := n.httpc.Post(n.cfg.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}
