// Package mapper turns source questions into helpdesk tickets, creating the
// requesting user and the ticket at most once per source id.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/qadesk/internal/models"
	"github.com/joescharf/qadesk/internal/retry"
	"github.com/joescharf/qadesk/internal/store"
)

// ErrNoOwner means the question has no resolvable owner; it is skipped.
var ErrNoOwner = errors.New("question has no owner")

// Outcome classifies what happened to one question.
type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeExisting Outcome = "existing"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// Summary counts the outcomes of one Process call.
type Summary struct {
	Processed int
	Created   int
	Existing  int
	Skipped   int
	Failed    int
}

func (s *Summary) add(o Outcome) {
	s.Processed++
	switch o {
	case OutcomeCreated:
		s.Created++
	case OutcomeExisting:
		s.Existing++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
}

// Options tunes a Mapper.
type Options struct {
	// Concurrency bounds how many questions are mapped at once.
	Concurrency int
	// DryRun logs intended writes instead of performing them.
	DryRun bool
	// Claimer guards check-then-create; defaults to a MemoryClaimer.
	Claimer Claimer
	// Observe, if set, receives every per-question outcome.
	Observe func(Outcome)
}

// Mapper resolves source users and questions into tracked entities.
type Mapper struct {
	sink    store.Helpdesk
	retry   *retry.Scheduler
	claims  Claimer
	opts    Options
	log     zerolog.Logger
	subject *bluemonday.Policy
}

// New returns a Mapper writing to sink, with ticket creation going through
// sched.
func New(sink store.Helpdesk, sched *retry.Scheduler, log zerolog.Logger, opts Options) *Mapper {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	claims := opts.Claimer
	if claims == nil {
		claims = NewMemoryClaimer()
	}
	return &Mapper{
		sink:    sink,
		retry:   sched,
		claims:  claims,
		opts:    opts,
		log:     log.With().Str("component", "mapper").Logger(),
		subject: bluemonday.StrictPolicy(),
	}
}

// ResolveUser returns the tracked user for owner, creating it on first sight.
func (m *Mapper) ResolveUser(ctx context.Context, owner *models.SourceUser) (*models.TrackedUser, error) {
	if owner == nil || owner.UserID == 0 {
		return nil, ErrNoOwner
	}
	externalID := strconv.FormatInt(owner.UserID, 10)

	release, err := m.claims.Claim(ctx, "user:"+externalID)
	if err != nil {
		return nil, err
	}
	defer release()

	u, err := m.sink.FindUserByExternalID(ctx, externalID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("look up user %s: %w", externalID, err)
	}

	want := &models.TrackedUser{
		Name:       owner.DisplayName,
		ExternalID: externalID,
		AvatarURL:  owner.ProfileImage,
		ProfileURL: owner.Link,
		Role:       models.UserRoleEndUser,
		Verified:   true,
	}
	if m.opts.DryRun {
		m.log.Info().Str("external_id", externalID).Str("name", want.Name).Msg("dry run: would create user")
		return want, nil
	}

	u, err = m.sink.CreateUser(ctx, want)
	if errors.Is(err, store.ErrDuplicate) {
		// Someone else created it between our lookup and insert.
		return m.sink.FindUserByExternalID(ctx, externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", externalID, err)
	}
	m.log.Info().Str("external_id", externalID).Int64("user_id", u.ID).Msg("new end-user")
	return u, nil
}

// ResolveTicket returns the ticket for q, creating it when none exists. The
// boolean reports whether this call created it. Existing tickets are returned
// as they are.
func (m *Mapper) ResolveTicket(ctx context.Context, q models.SourceQuestion, requester *models.TrackedUser) (*models.TrackedTicket, bool, error) {
	externalID := strconv.FormatInt(q.QuestionID, 10)

	release, err := m.claims.Claim(ctx, "ticket:"+externalID)
	if err != nil {
		return nil, false, err
	}
	defer release()

	existing, err := m.sink.FindTicketByExternalID(ctx, externalID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("look up ticket %s: %w", externalID, err)
	}

	want := m.NewTicket(q, requester)
	if m.opts.DryRun {
		m.log.Info().
			Str("external_id", externalID).
			Str("subject", want.Subject).
			Str("status", string(want.Status)).
			Msg("dry run: would create ticket")
		return want, true, nil
	}

	created, err := m.retry.CreateTicket(ctx, func(ctx context.Context) (*models.TrackedTicket, error) {
		return m.sink.CreateTicket(ctx, want)
	})
	if errors.Is(err, store.ErrDuplicate) {
		existing, ferr := m.sink.FindTicketByExternalID(ctx, externalID)
		if ferr != nil {
			return nil, false, fmt.Errorf("re-read ticket %s: %w", externalID, ferr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create ticket %s: %w", externalID, err)
	}
	m.log.Info().Str("external_id", externalID).Int64("ticket_id", created.ID).Msg("new ticket")
	return created, true, nil
}

// Process maps every question concurrently. A failure on one question is
// counted and logged and never stops the others.
func (m *Mapper) Process(ctx context.Context, questions []models.SourceQuestion) Summary {
	var (
		mu      sync.Mutex
		summary Summary
	)
	record := func(o Outcome) {
		mu.Lock()
		summary.add(o)
		mu.Unlock()
		if m.opts.Observe != nil {
			m.opts.Observe(o)
		}
	}

	var g errgroup.Group
	g.SetLimit(m.opts.Concurrency)
	for _, q := range questions {
		g.Go(func() error {
			record(m.processOne(ctx, q))
			return nil
		})
	}
	_ = g.Wait()

	m.log.Info().
		Int("processed", summary.Processed).
		Int("created", summary.Created).
		Int("existing", summary.Existing).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Msg("questions mapped")
	return summary
}

func (m *Mapper) processOne(ctx context.Context, q models.SourceQuestion) Outcome {
	log := m.log.With().Int64("question_id", q.QuestionID).Logger()

	u, err := m.ResolveUser(ctx, q.Owner)
	if errors.Is(err, ErrNoOwner) {
		log.Info().Msg("skipping question without owner")
		return OutcomeSkipped
	}
	if err != nil {
		log.Error().Err(err).Msg("resolve user")
		return OutcomeFailed
	}

	_, created, err := m.ResolveTicket(ctx, q, u)
	if err != nil {
		log.Error().Err(err).Msg("resolve ticket")
		return OutcomeFailed
	}
	if created {
		return OutcomeCreated
	}
	return OutcomeExisting
}

// NewTicket builds the ticket a question maps to.
func (m *Mapper) NewTicket(q models.SourceQuestion, requester *models.TrackedUser) *models.TrackedTicket {
	t := &models.TrackedTicket{
		ExternalID: strconv.FormatInt(q.QuestionID, 10),
		Subject:    m.PlainText(q.Title),
		Body:       Banner(q.Link) + q.Body,
		Tags:       q.Tags,
		Status:     StatusFor(q),
		CreatedAt:  q.CreatedAt.UTC(),
	}
	if requester != nil {
		t.RequesterID = requester.ID
	}
	return t
}

// PlainText strips markup and decodes entities.
func (m *Mapper) PlainText(s string) string {
	return strings.Join(strings.Fields(html.UnescapeString(m.subject.Sanitize(s))), " ")
}

// Banner is the header placed above the question body, reminding agents to
// answer on the source platform.
func Banner(link string) string {
	return `<h3><span style="color: red">IMPORTANT:</span> answer at ` +
		`<a href="` + html.EscapeString(link) + `" target="_blank">Stackoverflow</a></h3>` +
		`-----------------------------------------`
}

// StatusFor derives the initial ticket status from the question's answer
// state: solved if accepted-answered, open if it has answers, else new.
func StatusFor(q models.SourceQuestion) models.TicketStatus {
	switch {
	case q.IsAnswered:
		return models.TicketStatusSolved
	case q.AnswerCount > 0:
		return models.TicketStatusOpen
	default:
		return models.TicketStatusNew
	}
}
