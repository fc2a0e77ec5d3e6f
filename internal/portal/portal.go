// Package portal re-attributes tickets submitted through the web form, which
// arrive under a shared alias requester, to the person who filled the form.
package portal

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/joescharf/qadesk/internal/models"
	"github.com/joescharf/qadesk/internal/store"
)

// formLines is how many leading body lines carry form fields.
const formLines = 3

// Form holds the fields the web form writes at the top of the ticket body.
type Form struct {
	UsersName  string
	UsersEmail string
	WhichAPI   string
}

// ParseForm reads "Key: value" pairs from the first three lines of body.
// Keys are trimmed and stripped of apostrophes, underscores and spaces
// ("User's Name" becomes "UsersName"), then matched by suffix so the short
// labels "Name", "Email" and "API" are accepted too. Unknown keys are ignored.
func ParseForm(body string) Form {
	var f Form
	lines := strings.SplitN(body, "\n", formLines+1)
	if len(lines) > formLines {
		lines = lines[:formLines]
	}
	for _, line := range lines {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		k := strings.ToLower(normalizeKey(key))
		switch {
		case strings.HasSuffix(k, "email"):
			f.UsersEmail = value
		case strings.HasSuffix(k, "name"):
			f.UsersName = value
		case strings.HasSuffix(k, "api"):
			f.WhichAPI = value
		}
	}
	return f
}

func normalizeKey(k string) string {
	return strings.NewReplacer("'", "", "_", "", " ", "").Replace(strings.TrimSpace(k))
}

// Tag is the ticket tag for the API the submitter asked about.
func (f Form) Tag() string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(f.WhichAPI)), " ", "-")
}

// Summary counts the outcomes of one reconciliation pass.
type Summary struct {
	Found        int
	Updated      int
	UsersCreated int
	Skipped      int
	Failed       int
}

// Reconciler runs the portal pass against a helpdesk.
type Reconciler struct {
	sink   store.Helpdesk
	alias  string
	dryRun bool
	log    zerolog.Logger
}

// New returns a Reconciler for tickets requested by alias.
func New(sink store.Helpdesk, alias string, dryRun bool, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		sink:   sink,
		alias:  alias,
		dryRun: dryRun,
		log:    log.With().Str("component", "portal").Logger(),
	}
}

// Run reassigns every new ticket still held by the alias. A submitter seen
// for the first time is created and the ticket reassigned to them at once.
// If the create races with another writer the ticket is left for the next
// pass, when the lookup finds the user.
func (r *Reconciler) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	tickets, err := r.sink.SearchTickets(ctx, models.TicketQuery{
		Status:         models.TicketStatusNew,
		RequesterEmail: r.alias,
	})
	if err != nil {
		r.log.Error().Err(err).Msg("search form tickets")
		return sum, err
	}
	sum.Found = len(tickets)

	for _, t := range tickets {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		switch r.reconcile(ctx, t, &sum) {
		case outcomeUpdated:
			sum.Updated++
		case outcomeSkipped:
			sum.Skipped++
		case outcomeFailed:
			sum.Failed++
		}
	}

	r.log.Info().
		Int("found", sum.Found).
		Int("updated", sum.Updated).
		Int("users_created", sum.UsersCreated).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Msg("portal tickets reconciled")
	return sum, nil
}

type outcome int

const (
	outcomeUpdated outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (r *Reconciler) reconcile(ctx context.Context, t *models.TrackedTicket, sum *Summary) outcome {
	log := r.log.With().Int64("ticket_id", t.ID).Logger()

	form := ParseForm(t.Body)
	if form.UsersEmail == "" {
		log.Warn().Msg("form ticket without submitter email")
		return outcomeSkipped
	}

	user, err := r.sink.FindUserByEmail(ctx, form.UsersEmail)
	if errors.Is(err, store.ErrNotFound) {
		if r.dryRun {
			log.Info().Str("email", form.UsersEmail).Msg("dry run: would create end-user")
			return outcomeSkipped
		}
		user, err = r.sink.CreateUser(ctx, &models.TrackedUser{
			Name:     form.UsersName,
			Email:    form.UsersEmail,
			Role:     models.UserRoleEndUser,
			Verified: true,
		})
		if errors.Is(err, store.ErrDuplicate) {
			log.Info().Str("email", form.UsersEmail).Msg("end-user created concurrently, ticket reassigned next pass")
			return outcomeSkipped
		}
		if err != nil {
			log.Error().Err(err).Str("email", form.UsersEmail).Msg("create end-user")
			return outcomeFailed
		}
		sum.UsersCreated++
		log.Info().Str("email", form.UsersEmail).Msg("new end-user")
	}
	if err != nil {
		log.Error().Err(err).Str("email", form.UsersEmail).Msg("look up submitter")
		return outcomeFailed
	}

	update := models.TicketUpdate{RequesterID: user.ID}
	if tag := form.Tag(); tag != "" {
		update.Tags = []string{tag}
	}
	if r.dryRun {
		log.Info().Int64("requester_id", user.ID).Strs("tags", update.Tags).Msg("dry run: would reassign ticket")
		return outcomeUpdated
	}
	if _, err := r.sink.UpdateTicket(ctx, t.ID, update); err != nil {
		log.Error().Err(err).Msg("reassign ticket")
		return outcomeFailed
	}
	log.Info().Str("email", user.Email).Msg("form ticket reassigned")
	return outcomeUpdated
}
