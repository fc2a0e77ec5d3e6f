// Package engine runs the three sync passes and records each execution in
// the run ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/joescharf/qadesk/internal/fetcher"
	"github.com/joescharf/qadesk/internal/mapper"
	"github.com/joescharf/qadesk/internal/metrics"
	"github.com/joescharf/qadesk/internal/models"
	"github.com/joescharf/qadesk/internal/portal"
	"github.com/joescharf/qadesk/internal/sla"
	"github.com/joescharf/qadesk/internal/store"
)

// ErrDisabled is returned for a pass whose component is not configured.
var ErrDisabled = errors.New("pass disabled")

// Deps wires the engine. Portal and SLA may be nil to disable those passes.
type Deps struct {
	Runs     store.RunLog
	Fetcher  *fetcher.Fetcher
	Mapper   *mapper.Mapper
	Portal   *portal.Reconciler
	SLA      *sla.Monitor
	Metrics  *metrics.Metrics
	Lookback time.Duration
	// Timeout bounds each pass. Zero means no limit beyond the caller's ctx.
	Timeout time.Duration
	Now     func() time.Time
	Log     zerolog.Logger
}

// Engine executes passes.
type Engine struct {
	d   Deps
	log zerolog.Logger
}

// New returns an Engine.
func New(d Deps) *Engine {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Lookback <= 0 {
		d.Lookback = time.Hour
	}
	return &Engine{d: d, log: d.Log.With().Str("component", "engine").Logger()}
}

// Run executes pass by name.
func (e *Engine) Run(ctx context.Context, pass models.Pass) (*models.Run, error) {
	switch pass {
	case models.PassQuestions:
		return e.RunQuestions(ctx)
	case models.PassPortal:
		return e.RunPortal(ctx)
	case models.PassSLA:
		return e.RunSLA(ctx)
	default:
		return nil, fmt.Errorf("unknown pass %q", pass)
	}
}

// Enabled reports whether pass has its component configured.
func (e *Engine) Enabled(pass models.Pass) bool {
	switch pass {
	case models.PassQuestions:
		return e.d.Fetcher != nil && e.d.Mapper != nil
	case models.PassPortal:
		return e.d.Portal != nil
	case models.PassSLA:
		return e.d.SLA != nil
	}
	return false
}

// RunQuestions fetches the lookback window and maps every question.
func (e *Engine) RunQuestions(ctx context.Context) (*models.Run, error) {
	return e.execute(ctx, models.PassQuestions, func(ctx context.Context, run *models.Run) error {
		res, err := e.d.Fetcher.FetchResult(ctx, fetcher.DefaultWindow(e.d.Now(), e.d.Lookback))
		if err != nil {
			return err
		}
		run.Fetched = len(res.Questions)
		if e.d.Metrics != nil {
			e.d.Metrics.QuestionsFetched.Add(float64(len(res.Questions)))
			for _, t := range res.Tags {
				if t.Err != nil {
					e.d.Metrics.TagFailures.WithLabelValues(t.Tag).Inc()
				}
			}
		}

		sum := e.d.Mapper.Process(ctx, res.Questions)
		run.Created = sum.Created
		run.Skipped = sum.Skipped
		run.Failed = sum.Failed + res.Failed()
		return ctx.Err()
	})
}

// RunPortal reassigns form tickets.
func (e *Engine) RunPortal(ctx context.Context) (*models.Run, error) {
	return e.execute(ctx, models.PassPortal, func(ctx context.Context, run *models.Run) error {
		sum, err := e.d.Portal.Run(ctx)
		run.Fetched = sum.Found
		run.Created = sum.Updated
		run.Skipped = sum.Skipped
		run.Failed = sum.Failed
		if e.d.Metrics != nil {
			e.d.Metrics.PortalTickets.WithLabelValues("updated").Add(float64(sum.Updated))
			e.d.Metrics.PortalTickets.WithLabelValues("skipped").Add(float64(sum.Skipped))
			e.d.Metrics.PortalTickets.WithLabelValues("failed").Add(float64(sum.Failed))
		}
		return err
	})
}

// RunSLA reports tickets past the SLA window.
func (e *Engine) RunSLA(ctx context.Context) (*models.Run, error) {
	return e.execute(ctx, models.PassSLA, func(ctx context.Context, run *models.Run) error {
		sum, err := e.d.SLA.Check(ctx, e.d.Now())
		run.Fetched = sum.Breached
		run.Created = sum.Notified
		run.Failed = sum.Failed
		if e.d.Metrics != nil {
			e.d.Metrics.SLABreaches.Add(float64(sum.Breached))
		}
		return err
	})
}

func (e *Engine) execute(ctx context.Context, pass models.Pass, fn func(context.Context, *models.Run) error) (*models.Run, error) {
	if !e.Enabled(pass) {
		return nil, fmt.Errorf("%s: %w", pass, ErrDisabled)
	}
	if e.d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.d.Timeout)
		defer cancel()
	}

	log := e.log.With().Str("pass", string(pass)).Logger()
	started := e.d.Now()
	run := &models.Run{Pass: pass, StartedAt: started.UTC()}
	if e.d.Runs != nil {
		if err := e.d.Runs.CreateRun(ctx, run); err != nil {
			log.Warn().Err(err).Msg("record run start")
		}
	}
	log.Info().Str("run_id", run.ID).Msg("pass started")

	err := fn(ctx, run)
	if err != nil {
		run.Error = err.Error()
	}
	ended := e.d.Now().UTC()
	run.EndedAt = &ended

	if e.d.Runs != nil && run.ID != "" {
		// The pass context may have expired; the ledger write must still land.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if ferr := e.d.Runs.FinishRun(fctx, run); ferr != nil {
			log.Warn().Err(ferr).Msg("record run end")
		}
		cancel()
	}
	if e.d.Metrics != nil {
		e.d.Metrics.ObservePass(string(pass), started, err)
	}

	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Str("run_id", run.ID).
		Int("fetched", run.Fetched).
		Int("created", run.Created).
		Int("skipped", run.Skipped).
		Int("failed", run.Failed).
		Dur("took", ended.Sub(started)).
		Msg("pass finished")
	return run, err
}
