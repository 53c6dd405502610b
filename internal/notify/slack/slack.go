// Package slack delivers incident alerts to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lookout/internal/incident"
)

const (
	maxBodyLen  = 3000
	httpTimeout = 10 * time.Second
)

// Sender posts incident notifications to a Slack webhook.
type Sender struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a Slack sender. If webhookURL is empty, Send logs and drops
// the notification.
func New(webhookURL string, logger log.Logger) *Sender {
	if logger == nil {
		logger = log.Nop()
	}
	return &Sender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Send posts n to the configured webhook. Any non-2xx response is an error.
func (s *Sender) Send(ctx context.Context, n incident.Notification) error {
	if s.webhookURL == "" {
		s.logger.Warn(ctx, "slack webhook not configured, dropping notification",
			"subject", n.Subject,
		)
		return nil
	}

	body, err := json.Marshal(buildMessage(n))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// message is a Slack webhook payload. Text is the fallback shown in push
// notifications.
type message struct {
	Text   string  `json:"text"`
	Blocks []block `json:"blocks"`
}

type block struct {
	Type     string `json:"type"`
	Text     *text  `json:"text,omitempty"`
	Fields   []text `json:"fields,omitempty"`
	Elements []text `json:"elements,omitempty"`
}

type text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func plain(s string) *text { return &text{Type: "plain_text", Text: s} }
func mrkdwn(s string) text { return text{Type: "mrkdwn", Text: s} }

// buildMessage renders the alert as header, divider, location and crime
// fields, the body, and a footer with the creation time.
func buildMessage(n incident.Notification) message {
	body := truncate(n.Body, maxBodyLen)
	if body == "" {
		body = "_No details._"
	} else {
		body = "```" + body + "```"
	}
	bodyText := mrkdwn(body)

	return message{
		Text: n.Subject,
		Blocks: []block{
			{Type: "header", Text: plain(crimeEmoji(n.Crime) + " " + n.Subject)},
			{Type: "divider"},
			{Type: "section", Fields: []text{
				mrkdwn("*Location:* " + n.Location),
				mrkdwn("*Incident Type:* " + n.Crime.Title()),
			}},
			{Type: "section", Text: &bodyText},
			{Type: "context", Elements: []text{
				mrkdwn("lookout • " + n.CreatedAt.UTC().Format("2006-01-02 15:04 UTC")),
			}},
		},
	}
}

func crimeEmoji(c incident.Crime) string {
	switch c {
	case incident.CrimeShooting, incident.CrimeStabbing, incident.CrimeRamming, incident.CrimeMolotovCocktail:
		return "\U0001f534" // red circle
	case incident.CrimeRockThrowing, incident.CrimeAssault:
		return "\U0001f7e0" // orange circle
	default:
		return "\U0001f7e1" // yellow circle
	}
}

// truncate caps s at limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
