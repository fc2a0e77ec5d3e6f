// Package fetcher gathers recent questions for every monitored tag and merges
// them into one deduplicated batch.
package fetcher

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/qadesk/internal/models"
)

// Source lists questions for one tag within [from, to).
type Source interface {
	Questions(ctx context.Context, tag string, from, to time.Time) ([]models.SourceQuestion, error)
}

// Window is a half-open time range [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// DefaultWindow returns [now-lookback, now).
func DefaultWindow(now time.Time, lookback time.Duration) Window {
	return Window{From: now.Add(-lookback), To: now}
}

// TagResult reports what a single tag request contributed.
type TagResult struct {
	Tag   string
	Count int
	Err   error
}

// Result is the merged outcome of one fetch cycle.
type Result struct {
	Questions []models.SourceQuestion
	Tags      []TagResult
}

// Failed returns the number of tags whose request failed.
func (r Result) Failed() int {
	n := 0
	for _, t := range r.Tags {
		if t.Err != nil {
			n++
		}
	}
	return n
}

// Fetcher queries a Source once per tag, concurrently.
type Fetcher struct {
	source Source
	tags   []string
	log    zerolog.Logger
}

// New returns a Fetcher for the ordered tag list.
func New(source Source, tags []string, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		source: source,
		tags:   tags,
		log:    log.With().Str("component", "fetcher").Logger(),
	}
}

// Fetch returns the distinct questions across all tags. A tag that fails
// contributes nothing and never aborts the others, so Fetch itself only
// fails when ctx is already done.
func (f *Fetcher) Fetch(ctx context.Context, w Window) ([]models.SourceQuestion, error) {
	res, err := f.FetchResult(ctx, w)
	return res.Questions, err
}

// FetchResult is Fetch with per-tag diagnostics.
func (f *Fetcher) FetchResult(ctx context.Context, w Window) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// One slot per tag; each goroutine writes only its own.
	slots := make([][]models.SourceQuestion, len(f.tags))
	results := make([]TagResult, len(f.tags))

	var g errgroup.Group
	for i, tag := range f.tags {
		g.Go(func() error {
			qs, err := f.source.Questions(ctx, tag, w.From, w.To)
			if err != nil {
				results[i] = TagResult{Tag: tag, Err: err}
				f.log.Warn().Err(err).Str("tag", tag).Msg("tag fetch failed")
				return nil
			}
			slots[i] = qs
			results[i] = TagResult{Tag: tag, Count: len(qs)}
			f.log.Debug().Str("tag", tag).Int("questions", len(qs)).Msg("tag fetched")
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[int64]struct{})
	var merged []models.SourceQuestion
	for _, qs := range slots {
		for _, q := range qs {
			if _, dup := seen[q.QuestionID]; dup {
				continue
			}
			seen[q.QuestionID] = struct{}{}
			merged = append(merged, q)
		}
	}

	f.log.Info().
		Int("tags", len(f.tags)).
		Int("questions", len(merged)).
		Time("from", w.From).
		Time("to", w.To).
		Msg("questions fetched")
	return Result{Questions: merged, Tags: results}, nil
}
