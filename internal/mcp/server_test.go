package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/qadesk/internal/models"
	"github.com/joescharf/qadesk/internal/store"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type mockRunner struct {
	enabled bool
	err     error
	calls   []models.Pass
}

func (m *mockRunner) Enabled(models.Pass) bool { return m.enabled }

func (m *mockRunner) Run(_ context.Context, p models.Pass) (*models.Run, error) {
	m.calls = append(m.calls, p)
	if m.err != nil {
		return &models.Run{ID: "01FAIL", Pass: p, Error: m.err.Error()}, m.err
	}
	return &models.Run{ID: "01OK", Pass: p, Fetched: 4, Created: 1}, nil
}

func newTestServer(t *testing.T) (*Server, *store.SQLiteStore, *mockRunner) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	runner := &mockRunner{enabled: true}
	return NewServer(s, s, runner, "test"), s, runner
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

// ---------------------------------------------------------------------------
// Tests: MCPServer registration
// ---------------------------------------------------------------------------

func TestNewServer(t *testing.T) {
	srv, _, _ := newTestServer(t)
	mcpSrv := srv.MCPServer()
	require.NotNil(t, mcpSrv, "MCPServer() should return non-nil")
}

// ---------------------------------------------------------------------------
// Tests: qadesk_list_runs
// ---------------------------------------------------------------------------

func TestHandleListRuns(t *testing.T) {
	srv, s, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, &models.Run{Pass: models.PassQuestions}))
	require.NoError(t, s.CreateRun(ctx, &models.Run{Pass: models.PassSLA}))

	result, err := srv.handleListRuns(ctx, callToolReq("qadesk_list_runs", map[string]any{"pass": "sla"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var runs []runOut
	resultJSON(t, result, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "sla", runs[0].Pass)
}

func TestHandleListRuns_Empty(t *testing.T) {
	srv, _, _ := newTestServer(t)

	result, err := srv.handleListRuns(context.Background(), callToolReq("qadesk_list_runs", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "[]", resultText(t, result))
}

func TestHandleListRuns_UnknownPass(t *testing.T) {
	srv, _, _ := newTestServer(t)

	result, err := srv.handleListRuns(context.Background(), callToolReq("qadesk_list_runs", map[string]any{"pass": "weekly"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// ---------------------------------------------------------------------------
// Tests: qadesk_find_ticket
// ---------------------------------------------------------------------------

func TestHandleFindTicket(t *testing.T) {
	srv, s, _ := newTestServer(t)
	ctx := context.Background()
	u, err := s.CreateUser(ctx, &models.TrackedUser{Name: "Ann", ExternalID: "55"})
	require.NoError(t, err)
	_, err = s.CreateTicket(ctx, &models.TrackedTicket{ExternalID: "101", Subject: "viewer", RequesterID: u.ID, Tags: []string{"autodesk-viewer"}})
	require.NoError(t, err)

	result, err := srv.handleFindTicket(ctx, callToolReq("qadesk_find_ticket", map[string]any{"question_id": "101"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var got map[string]any
	resultJSON(t, result, &got)
	assert.Equal(t, "101", got["question_id"])
	assert.Equal(t, "viewer", got["subject"])
	assert.Equal(t, "new", got["status"])
}

func TestHandleFindTicket_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	result, err := srv.handleFindTicket(context.Background(), callToolReq("qadesk_find_ticket", map[string]any{"question_id": "9"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "no ticket for question 9")
}

func TestHandleFindTicket_MissingArg(t *testing.T) {
	srv, _, _ := newTestServer(t)

	result, err := srv.handleFindTicket(context.Background(), callToolReq("qadesk_find_ticket", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// ---------------------------------------------------------------------------
// Tests: qadesk_search_users
// ---------------------------------------------------------------------------

func TestHandleSearchUsers(t *testing.T) {
	srv, s, _ := newTestServer(t)
	ctx := context.Background()
	_, err := s.CreateUser(ctx, &models.TrackedUser{Name: "Jane Doe", Email: "jane@x.com", Role: models.UserRoleEndUser, Verified: true})
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, &models.TrackedUser{Name: "Ann", ExternalID: "55"})
	require.NoError(t, err)

	result, err := srv.handleSearchUsers(ctx, callToolReq("qadesk_search_users", map[string]any{"query": "jane"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var users []map[string]any
	resultJSON(t, result, &users)
	require.Len(t, users, 1)
	assert.Equal(t, "Jane Doe", users[0]["name"])
	assert.Equal(t, "jane@x.com", users[0]["email"])
	assert.Equal(t, true, users[0]["verified"])
}

func TestHandleSearchUsers_NoMatch(t *testing.T) {
	srv, _, _ := newTestServer(t)

	result, err := srv.handleSearchUsers(context.Background(), callToolReq("qadesk_search_users", map[string]any{"query": "nobody"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "[]", resultText(t, result))
}

func TestHandleSearchUsers_MissingArg(t *testing.T) {
	srv, _, _ := newTestServer(t)

	result, err := srv.handleSearchUsers(context.Background(), callToolReq("qadesk_search_users", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// ---------------------------------------------------------------------------
// Tests: qadesk_run_pass
// ---------------------------------------------------------------------------

func TestHandleRunPass(t *testing.T) {
	srv, _, runner := newTestServer(t)

	result, err := srv.handleRunPass(context.Background(), callToolReq("qadesk_run_pass", map[string]any{"pass": "questions"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var run runOut
	resultJSON(t, result, &run)
	assert.Equal(t, "questions", run.Pass)
	assert.Equal(t, 1, run.Created)
	assert.Equal(t, []models.Pass{models.PassQuestions}, runner.calls)
}

func TestHandleRunPass_FailureStillReturnsRun(t *testing.T) {
	srv, _, runner := newTestServer(t)
	runner.err = errors.New("search failed")

	result, err := srv.handleRunPass(context.Background(), callToolReq("qadesk_run_pass", map[string]any{"pass": "sla"}))
	require.NoError(t, err)

	var run runOut
	resultJSON(t, result, &run)
	assert.Equal(t, "search failed", run.Error)
}

func TestHandleRunPass_Rejected(t *testing.T) {
	srv, _, runner := newTestServer(t)

	result, err := srv.handleRunPass(context.Background(), callToolReq("qadesk_run_pass", map[string]any{"pass": "weekly"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	runner.enabled = false
	result, err = srv.handleRunPass(context.Background(), callToolReq("qadesk_run_pass", map[string]any{"pass": "portal"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not configured")
	assert.Empty(t, runner.calls)
}

// ---------------------------------------------------------------------------
// Tests: qadesk_parse_portal_form
// ---------------------------------------------------------------------------

func TestHandleParsePortalForm(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := "Name: Jane Doe\nEmail: jane@x.com\nAPI: Model Derivative\n..."
	result, err := srv.handleParsePortalForm(context.Background(), callToolReq("qadesk_parse_portal_form", map[string]any{"body": body}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var got map[string]string
	resultJSON(t, result, &got)
	assert.Equal(t, map[string]string{
		"name":  "Jane Doe",
		"email": "jane@x.com",
		"api":   "Model Derivative",
		"tag":   "model-derivative",
	}, got)
}
