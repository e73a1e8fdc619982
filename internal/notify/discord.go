package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Discord posts messages to a Discord webhook
type Discord struct {
	client *http.Client
}

// NewDiscord creates a new Discord webhook handler
func NewDiscord() *Discord {
	return &Discord{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

// EmbedField represents a field in a Discord embed
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// EmbedFooter represents the footer of a Discord embed
type EmbedFooter struct {
	Text string `json:"text"`
}

// DiscordPayload represents the webhook payload
type DiscordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

func discordColor(l Level) int {
	switch l {
	case LevelSuccess:
		return 0x00FF00
	case LevelWarning:
		return 0xFFFF00
	case LevelError:
		return 0xFF0000
	default:
		return 0x3498DB
	}
}

// Send posts m to webhookURL
func (d *Discord) Send(ctx context.Context, webhookURL string, m Message) error {
	body := m.Body
	// Embed descriptions are capped at 4096 characters.
	if len(body) > 3500 {
		body = body[:3500] + "\n\n*... (truncated)*"
	}

	embed := DiscordEmbed{
		Title:       m.Title,
		Description: body,
		Color:       discordColor(m.Level),
		Timestamp:   time.Now().Format(time.RFC3339),
		Footer:      &EmbedFooter{Text: "Check-in Tasks"},
	}
	for _, f := range m.Fields {
		embed.Fields = append(embed.Fields, EmbedField{Name: f.Name, Value: f.Value, Inline: true})
	}

	return postJSON(ctx, d.client, webhookURL, DiscordPayload{Embeds: []DiscordEmbed{embed}})
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
