package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Slack posts notifications to an incoming webhook
type Slack struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Fallback string       `json:"fallback"`
	Color    string       `json:"color"`
	Title    string       `json:"title,omitempty"`
	Text     string       `json:"text,omitempty"`
	Fields   []slackField `json:"fields,omitempty"`
	Footer   string       `json:"footer"`
	TS       int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a webhook notifier. An empty URL disables it.
func NewSlackNotifier(webhookURL string) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

func levelColor(l Level) string {
	switch l {
	case LevelSuccess:
		return "good"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "danger"
	}
	return "#439FE0"
}

func (s *Slack) payload(n Notification) slackPayload {
	att := slackAttachment{
		Fallback: n.Title,
		Color:    levelColor(n.Level),
		Text:     n.Message,
		Footer:   "uiqa",
		TS:       s.now().Unix(),
	}
	if n.RunID != "" {
		att.Title = "Run " + n.RunID
	}
	for _, f := range n.Fields {
		att.Fields = append(att.Fields, slackField{Title: f.Label, Value: f.Value, Short: true})
	}
	return slackPayload{Text: n.Title, Attachments: []slackAttachment{att}}
}

// Send posts n to the webhook
func (s *Slack) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(s.payload(n))
	if err != nil {
		return err
	}
	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
