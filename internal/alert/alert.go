// Package alert delivers SLA notifications.
package alert

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/joescharf/qadesk/internal/apiclient"
)

// Alert is one ticket that has waited too long for an agent.
type Alert struct {
	TicketID int64
	Subject  string
	URL      string
}

// Text renders the alert as a chat message that pings the channel.
func (a Alert) Text() string {
	return "<!here> Ticket over SLA: " + a.Subject + " \n" + a.URL
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Slack posts alerts to an incoming webhook.
type Slack struct {
	api     *apiclient.Client
	webhook string
}

// NewSlack returns a Slack notifier for webhook.
func NewSlack(api *apiclient.Client, webhook string) *Slack {
	return &Slack{api: api, webhook: webhook}
}

type slackMessage struct {
	Text string `json:"text"`
}

func (s *Slack) Notify(ctx context.Context, a Alert) error {
	req, err := apiclient.NewJSONRequest(ctx, http.MethodPost, s.webhook, slackMessage{Text: a.Text()})
	if err != nil {
		return err
	}
	if _, err := s.api.Do(ctx, req, nil); err != nil {
		return fmt.Errorf("post slack alert for ticket %d: %w", a.TicketID, err)
	}
	return nil
}

// Log writes alerts to the log only. Used when no webhook is configured.
type Log struct {
	log zerolog.Logger
}

// NewLog returns a log-only notifier.
func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log.With().Str("component", "alert").Logger()}
}

func (l *Log) Notify(_ context.Context, a Alert) error {
	l.log.Warn().Int64("ticket_id", a.TicketID).Str("subject", a.Subject).Str("url", a.URL).Msg("ticket over SLA")
	return nil
}
