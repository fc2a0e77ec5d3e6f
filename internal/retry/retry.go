// Package retry re-sends helpdesk writes the remote API rejected for rate
// limiting, waiting as long as the API asked.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/joescharf/qadesk/internal/apiclient"
	"github.com/joescharf/qadesk/internal/models"
)

// DefaultDelay is used when a rate-limit rejection carries no usable wait.
const DefaultDelay = 5 * time.Second

// ErrGaveUp is returned when MaxAttempts rate-limited attempts were used up.
var ErrGaveUp = errors.New("gave up after repeated rate limiting")

// Clock abstracts waiting so tests can run without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns a Clock backed by the time package.
func RealClock() Clock { return realClock{} }

// CreateFunc performs one ticket creation attempt.
type CreateFunc func(ctx context.Context) (*models.TrackedTicket, error)

// Scheduler retries rate-limited ticket creations.
type Scheduler struct {
	Clock Clock
	// MaxAttempts bounds the number of attempts. Zero means unbounded.
	MaxAttempts int
	// DefaultDelay replaces a zero or negative server wait.
	DefaultDelay time.Duration
	// Attempts, if set, is called once per finished CreateTicket with the
	// number of attempts it took.
	Attempts func(n int)

	log zerolog.Logger
}

// New returns a Scheduler on the real clock.
func New(log zerolog.Logger, maxAttempts int) *Scheduler {
	return &Scheduler{
		Clock:        RealClock(),
		MaxAttempts:  maxAttempts,
		DefaultDelay: DefaultDelay,
		log:          log.With().Str("component", "retry").Logger(),
	}
}

// CreateTicket calls fn until it succeeds, fails with anything other than a
// rate limit, or ctx ends. Each rate-limited attempt is followed by a wait of
// the server-indicated duration before the identical request is sent again.
func (s *Scheduler) CreateTicket(ctx context.Context, fn CreateFunc) (*models.TrackedTicket, error) {
	attempt := 0
	defer func() {
		if s.Attempts != nil {
			s.Attempts(attempt)
		}
	}()

	for {
		attempt++
		t, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				s.log.Info().Int("attempts", attempt).Str("external_id", t.ExternalID).Msg("ticket created after retry")
			}
			return t, nil
		}

		wait, limited := apiclient.IsRateLimited(err)
		if !limited {
			s.log.Error().Err(err).Int("attempt", attempt).Msg("ticket creation failed")
			return nil, err
		}
		if s.MaxAttempts > 0 && attempt >= s.MaxAttempts {
			s.log.Error().Err(err).Int("attempts", attempt).Msg("ticket creation abandoned")
			return nil, fmt.Errorf("%w (%d attempts): %w", ErrGaveUp, attempt, err)
		}
		if wait <= 0 {
			wait = s.DefaultDelay
		}
		if wait <= 0 {
			wait = DefaultDelay
		}

		s.log.Warn().Dur("retry_after", wait).Int("attempt", attempt).Msg("rate limited, waiting to retry")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting to retry ticket creation: %w", ctx.Err())
		case <-s.clock().After(wait):
		}
	}
}

func (s *Scheduler) clock() Clock {
	if s.Clock == nil {
		return RealClock()
	}
	return s.Clock
}
