package fetcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/qadesk/internal/models"
)

type fakeSource struct {
	mu     sync.Mutex
	byTag  map[string][]models.SourceQuestion
	fail   map[string]error
	called []string
	window Window
}

func (f *fakeSource) Questions(ctx context.Context, tag string, from, to time.Time) ([]models.SourceQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = append(f.called, tag)
	f.window = Window{From: from, To: to}
	if err := f.fail[tag]; err != nil {
		return nil, err
	}
	return f.byTag[tag], nil
}

func q(id int64, tags ...string) models.SourceQuestion {
	return models.SourceQuestion{QuestionID: id, Title: "q", Tags: tags}
}

func ids(qs []models.SourceQuestion) []int64 {
	out := make([]int64, 0, len(qs))
	for _, q := range qs {
		out = append(out, q.QuestionID)
	}
	return out
}

func TestDefaultWindow(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	w := DefaultWindow(now, time.Hour)
	assert.Equal(t, now.Add(-time.Hour), w.From)
	assert.Equal(t, now, w.To)
}

func TestFetch_DedupesAcrossTags(t *testing.T) {
	src := &fakeSource{byTag: map[string][]models.SourceQuestion{
		"autodesk-viewer":           {q(3, "autodesk-viewer"), q(1, "autodesk-viewer", "autodesk-model-derivative")},
		"autodesk-model-derivative": {q(1, "autodesk-viewer", "autodesk-model-derivative"), q(2, "autodesk-model-derivative")},
		"autodesk-data-management":  nil,
	}}
	f := New(src, []string{"autodesk-viewer", "autodesk-model-derivative", "autodesk-data-management"}, zerolog.Nop())

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err := f.Fetch(context.Background(), DefaultWindow(now, time.Hour))
	require.NoError(t, err)

	// Tag order, then source order.
	assert.Equal(t, []int64{3, 1, 2}, ids(got))
	assert.ElementsMatch(t, []string{"autodesk-viewer", "autodesk-model-derivative", "autodesk-data-management"}, src.called)
	assert.Equal(t, now.Add(-time.Hour), src.window.From)
}

func TestFetch_FailingTagDoesNotAbortBatch(t *testing.T) {
	src := &fakeSource{
		byTag: map[string][]models.SourceQuestion{
			"a": {q(1, "a")},
			"c": {q(2, "c")},
		},
		fail: map[string]error{"b": errors.New("connection reset")},
	}
	f := New(src, []string{"a", "b", "c"}, zerolog.Nop())

	res, err := f.FetchResult(context.Background(), Window{})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids(res.Questions))
	assert.Equal(t, 1, res.Failed())
	require.Len(t, res.Tags, 3)
	assert.Equal(t, "b", res.Tags[1].Tag)
	assert.Error(t, res.Tags[1].Err)
	assert.Equal(t, 0, res.Tags[1].Count)
	assert.Equal(t, 1, res.Tags[2].Count)
}

func TestFetch_AllTagsEmpty(t *testing.T) {
	f := New(&fakeSource{}, []string{"a", "b"}, zerolog.Nop())

	got, err := f.Fetch(context.Background(), Window{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetch_CancelledContext(t *testing.T) {
	src := &fakeSource{}
	f := New(src, []string{"a"}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Fetch(ctx, Window{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, src.called)
}
