package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Slack posts messages to a Slack incoming webhook
type Slack struct {
	client *http.Client
}

// NewSlack creates a new Slack webhook handler
func NewSlack() *Slack {
	return &Slack{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type     string         `json:"type"`
	Text     *SlackTextObj  `json:"text,omitempty"`
	Fields   []SlackTextObj `json:"fields,omitempty"`
	Elements []SlackElement `json:"elements,omitempty"`
}

// SlackTextObj represents a Slack text object
type SlackTextObj struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// SlackElement represents a Slack element (for context blocks)
type SlackElement struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SlackAttachment represents a Slack attachment (for colored sidebar)
type SlackAttachment struct {
	Color  string       `json:"color"`
	Blocks []SlackBlock `json:"blocks"`
}

// SlackPayload represents the webhook payload
type SlackPayload struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

func slackStyle(l Level) (color, emoji string) {
	switch l {
	case LevelSuccess:
		return "#00FF00", ":white_check_mark:"
	case LevelWarning:
		return "#FFFF00", ":warning:"
	case LevelError:
		return "#FF0000", ":x:"
	default:
		return "#3498DB", ":information_source:"
	}
}

// Send posts m to webhookURL
func (s *Slack) Send(ctx context.Context, webhookURL string, m Message) error {
	color, emoji := slackStyle(m.Level)

	body := m.Body
	if len(body) > 2500 {
		body = body[:2500] + "\n... _(truncated)_"
	}
	if body == "" {
		body = "_-_"
	}

	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObj{Type: "plain_text", Text: fmt.Sprintf("%s %s", emoji, m.Title), Emoji: true},
		},
		{
			Type: "section",
			Text: &SlackTextObj{Type: "mrkdwn", Text: body},
		},
	}
	if len(m.Fields) > 0 {
		fields := make([]SlackTextObj, 0, len(m.Fields))
		for _, f := range m.Fields {
			fields = append(fields, SlackTextObj{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%s", f.Name, f.Value)})
		}
		blocks = append(blocks, SlackBlock{Type: "section", Fields: fields})
	}
	blocks = append(blocks, SlackBlock{
		Type:     "context",
		Elements: []SlackElement{{Type: "mrkdwn", Text: "Check-in Tasks"}},
	})

	payload := SlackPayload{
		Text:        m.Subject,
		Attachments: []SlackAttachment{{Color: color, Blocks: blocks}},
	}
	return postJSON(ctx, s.client, webhookURL, payload)
}
