package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/qadesk/internal/config"
	"github.com/joescharf/qadesk/internal/models"
)

// localSyncEnv points the questions pass at a fake Stack Exchange API and
// the local SQLite sink.
func localSyncEnv(t *testing.T) string {
	t.Helper()
	dir := testEnv(t)

	now := time.Now().Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/questions", r.URL.Path)
		items := []map[string]any{
			{
				"question_id":   101,
				"title":         "Viewer &amp; <b>markups</b>",
				"body":          "<p>How?</p>",
				"link":          "https://stackoverflow.com/q/101",
				"tags":          []string{r.URL.Query().Get("tagged")},
				"creation_date": now - 60,
				"owner":         map[string]any{"user_id": 55, "display_name": "Ann", "user_type": "registered"},
			},
			{
				"question_id":   102,
				"title":         "Orphan",
				"creation_date": now - 30,
				"owner":         map[string]any{"user_type": "does_not_exist", "display_name": "gone"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items, "has_more": false, "quota_remaining": 9000})
	}))
	t.Cleanup(srv.Close)

	viper.Set("sink.kind", config.SinkLocal)
	viper.Set("source.api_url", srv.URL)
	viper.Set("source.tags", []string{"autodesk-viewer"})
	viper.Set("log.format", "json")
	viper.Set("log.level", "error")
	return dir
}

func TestParsePasses(t *testing.T) {
	all, err := parsePasses(nil)
	require.NoError(t, err)
	assert.Equal(t, models.Passes, all)

	got, err := parsePasses([]string{"SLA", "questions", "sla"})
	require.NoError(t, err)
	assert.Equal(t, []models.Pass{models.PassSLA, models.PassQuestions}, got)

	_, err = parsePasses([]string{"weekly"})
	assert.Error(t, err)
}

func TestSyncRun_QuestionsLocalSink(t *testing.T) {
	localSyncEnv(t)
	ctx := context.Background()

	require.NoError(t, syncRun(ctx, []string{"questions"}))

	tickets, err := dataStore.ListTickets(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, "101", tickets[0].ExternalID)
	assert.Equal(t, "Viewer & markups", tickets[0].Subject)
	assert.Equal(t, models.TicketStatusNew, tickets[0].Status)

	runs, err := dataStore.ListRuns(ctx, models.PassQuestions, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Fetched)
	assert.Equal(t, 1, runs[0].Created)
	assert.Equal(t, 1, runs[0].Skipped)

	// A second cycle over the same window creates nothing.
	require.NoError(t, syncRun(ctx, []string{"questions"}))
	tickets, err = dataStore.ListTickets(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
}

func TestSyncRun_DryRunWritesNothing(t *testing.T) {
	localSyncEnv(t)
	dryRun = true
	defer func() { dryRun = false }()
	ctx := context.Background()

	require.NoError(t, syncRun(ctx, []string{"questions"}))

	tickets, err := dataStore.ListTickets(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tickets)
}

func TestSyncRun_AllPassesSkipsUnconfigured(t *testing.T) {
	localSyncEnv(t)
	ctx := context.Background()

	require.NoError(t, syncRun(ctx, nil))

	runs, err := dataStore.ListRuns(ctx, "", 10)
	require.NoError(t, err)
	var passes []models.Pass
	for _, r := range runs {
		passes = append(passes, r.Pass)
	}
	assert.ElementsMatch(t, []models.Pass{models.PassQuestions, models.PassSLA}, passes)
}

func TestSyncRun_MissingHelpdeskSettings(t *testing.T) {
	testEnv(t)

	err := syncRun(context.Background(), []string{"sla"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zendesk.url")
}

func TestScheduleJobs(t *testing.T) {
	localSyncEnv(t)
	viper.Set("portal.alias", "portal@example.com")
	cfg, err := loadConfig()
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg, zerolog.Nop(), false)
	require.NoError(t, err)
	defer a.Close()

	jobs := scheduleJobs(a)
	require.Len(t, jobs, 3)
	assert.Equal(t, "questions", jobs[0].Name)
	assert.Equal(t, "*/10 * * * *", jobs[0].Spec)
	assert.Equal(t, "5-59/10 * * * *", jobs[1].Spec)
	assert.Equal(t, "7 * * * *", jobs[2].Spec)
}

func TestPidFile_Path(t *testing.T) {
	dir := testEnv(t)

	assert.Equal(t, filepath.Join(dir, "qadesk.pid"), pidFile().Path)
}

func TestStopRun_NotRunning(t *testing.T) {
	testEnv(t)

	err := stopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestRunDaemon_AlreadyRunning(t *testing.T) {
	testEnv(t)
	// The parent process is alive and is not us.
	require.NoError(t, pidFile().WritePID(os.Getppid()))

	err := runDaemon(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestStatusRun(t *testing.T) {
	localSyncEnv(t)
	ctx := context.Background()
	require.NoError(t, syncRun(ctx, []string{"questions"}))

	statusLimit = 10
	statusPass = ""
	require.NoError(t, statusRun(ctx))

	out := uiOut()
	assert.Contains(t, out, "not running")
	assert.Contains(t, out, "questions")
	assert.Contains(t, out, "101")
	assert.Contains(t, out, "Viewer & markups")
}

func TestStatusRun_Empty(t *testing.T) {
	testEnv(t)
	statusLimit = 10
	statusPass = ""

	require.NoError(t, statusRun(context.Background()))
	assert.Contains(t, uiOut(), "No runs recorded")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
