// Package sla flags new tickets that have gone unattended past the service
// level threshold.
package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/joescharf/qadesk/internal/alert"
	"github.com/joescharf/qadesk/internal/models"
	"github.com/joescharf/qadesk/internal/store"
)

// Default age window. A ticket is reported once, by the hourly pass that
// sees its age fall inside (MinAge, MaxAge).
const (
	DefaultMinAge = 19 * time.Hour
	DefaultMaxAge = 20 * time.Hour
)

// Summary counts the outcome of one check.
type Summary struct {
	Breached int
	Notified int
	Failed   int
}

// Monitor searches the helpdesk and raises alerts. It never changes tickets.
type Monitor struct {
	sink     store.Helpdesk
	notifier alert.Notifier
	link     func(id int64) string
	minAge   time.Duration
	maxAge   time.Duration
	log      zerolog.Logger
}

// New returns a Monitor. link renders the agent URL of a ticket id.
func New(sink store.Helpdesk, notifier alert.Notifier, link func(int64) string, minAge, maxAge time.Duration, log zerolog.Logger) *Monitor {
	if minAge <= 0 {
		minAge = DefaultMinAge
	}
	if maxAge <= minAge {
		maxAge = minAge + (DefaultMaxAge - DefaultMinAge)
	}
	return &Monitor{
		sink:     sink,
		notifier: notifier,
		link:     link,
		minAge:   minAge,
		maxAge:   maxAge,
		log:      log.With().Str("component", "sla").Logger(),
	}
}

// Window returns the open creation-time interval checked at now.
func (m *Monitor) Window(now time.Time) (after, before time.Time) {
	return now.Add(-m.maxAge), now.Add(-m.minAge)
}

// Check alerts on every new ticket created strictly inside the window.
func (m *Monitor) Check(ctx context.Context, now time.Time) (Summary, error) {
	var sum Summary
	after, before := m.Window(now)

	tickets, err := m.sink.SearchTickets(ctx, models.TicketQuery{
		Status:        models.TicketStatusNew,
		CreatedAfter:  after,
		CreatedBefore: before,
	})
	if err != nil {
		m.log.Error().Err(err).Msg("search aged tickets")
		return sum, fmt.Errorf("search aged tickets: %w", err)
	}

	for _, t := range tickets {
		// Remote search is coarser than the window.
		if t.Status != models.TicketStatusNew || !t.CreatedAt.After(after) || !t.CreatedAt.Before(before) {
			continue
		}
		sum.Breached++

		a := alert.Alert{TicketID: t.ID, Subject: t.Subject, URL: m.link(t.ID)}
		if err := m.notifier.Notify(ctx, a); err != nil {
			m.log.Error().Err(err).Int64("ticket_id", t.ID).Msg("deliver SLA alert")
			sum.Failed++
			continue
		}
		sum.Notified++
	}

	m.log.Info().
		Time("created_after", after).
		Time("created_before", before).
		Int("breached", sum.Breached).
		Int("notified", sum.Notified).
		Msg("SLA checked")
	return sum, nil
}
