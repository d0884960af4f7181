package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// SlackConfig selects bot-token delivery (BotToken + Channel) or an
// incoming webhook (WebhookURL).
type SlackConfig struct {
	BotToken   string
	Channel    string
	APIBase    string
	WebhookURL string
	MaxRetries int
}

// Slack posts notifications to a Slack channel.
type Slack struct {
	cfg    SlackConfig
	api    *slack.Client
	client *http.Client
}

// NewSlack validates cfg and builds the client.
func NewSlack(cfg SlackConfig, client *http.Client) (*Slack, error) {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	s := &Slack{cfg: cfg, client: client}
	token := strings.TrimSpace(cfg.BotToken)
	switch {
	case token != "":
		if strings.TrimSpace(cfg.Channel) == "" {
			return nil, errors.New("slack notifier needs a channel")
		}
		base := strings.TrimSpace(cfg.APIBase)
		if base == "" {
			base = "https://slack.com/api"
		}
		base = strings.TrimRight(base, "/") + "/"
		s.api = slack.New(token, slack.OptionHTTPClient(client), slack.OptionAPIURL(base))
	case strings.TrimSpace(cfg.WebhookURL) == "":
		return nil, errors.New("slack notifier needs a bot token or webhook url")
	}
	return s, nil
}

func (s *Slack) Notify(ctx context.Context, n Notification) error {
	text := format(n)
	var err error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if s.api != nil {
			_, _, err = s.api.PostMessageContext(ctx, s.cfg.Channel, slack.MsgOptionText(text, false))
		} else {
			err = slack.PostWebhookCustomHTTPContext(ctx, s.cfg.WebhookURL, s.client, &slack.WebhookMessage{Text: text})
		}
		if err == nil {
			return nil
		}
		var rle *slack.RateLimitedError
		if !errors.As(err, &rle) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rle.RetryAfter):
		}
	}
	return fmt.Errorf("slack notify: %w", err)
}

func format(n Notification) string {
	var b strings.Builder
	icon := map[Severity]string{SeverityCritical: ":rotating_light:", SeverityWarning: ":warning:"}[n.Severity]
	if icon == "" {
		icon = ":information_source:"
	}
	fmt.Fprintf(&b, "%s *%s*", icon, n.Title)
	if n.Text != "" {
		b.WriteString("\n")
		b.WriteString(n.Text)
	}
	keys := make([]string, 0, len(n.Fields))
	for k := range n.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n• %s: %s", k, n.Fields[k])
	}
	return b.String()
}
