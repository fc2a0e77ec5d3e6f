package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/qadesk/internal/engine"
	"github.com/joescharf/qadesk/internal/models"
	"github.com/joescharf/qadesk/internal/portal"
	"github.com/joescharf/qadesk/internal/store"
)

// PassRunner executes sync passes on demand.
type PassRunner interface {
	Run(ctx context.Context, pass models.Pass) (*models.Run, error)
	Enabled(pass models.Pass) bool
}

// Server wraps the qadesk data layer and exposes it as MCP tools.
type Server struct {
	runs     store.RunLog
	helpdesk store.Helpdesk
	runner   PassRunner
	version  string
}

// NewServer creates the MCP server wrapper. runner may be nil, in which case
// qadesk_run_pass reports that passes are unavailable.
func NewServer(runs store.RunLog, helpdesk store.Helpdesk, runner PassRunner, version string) *Server {
	return &Server{runs: runs, helpdesk: helpdesk, runner: runner, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("qadesk", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listRunsTool())
	srv.AddTool(s.findTicketTool())
	srv.AddTool(s.searchUsersTool())
	srv.AddTool(s.runPassTool())
	srv.AddTool(s.parsePortalFormTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

type runOut struct {
	ID        string     `json:"id"`
	Pass      string     `json:"pass"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Fetched   int        `json:"fetched"`
	Created   int        `json:"created"`
	Skipped   int        `json:"skipped"`
	Failed    int        `json:"failed"`
	Error     string     `json:"error,omitempty"`
}

func toRunOut(r *models.Run) runOut {
	return runOut{
		ID:        r.ID,
		Pass:      string(r.Pass),
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		Fetched:   r.Fetched,
		Created:   r.Created,
		Skipped:   r.Skipped,
		Failed:    r.Failed,
		Error:     r.Error,
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// qadesk_list_runs
func (s *Server) listRunsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("qadesk_list_runs",
		mcp.WithDescription("List recent sync pass executions, newest first. Returns a JSON array with pass name, start/end time and item counts."),
		mcp.WithString("pass", mcp.Description("Filter by pass: questions, portal or sla")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 20)")),
	)
	return tool, s.handleListRuns
}

func (s *Server) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pass := models.Pass(request.GetString("pass", ""))
	if pass != "" && !slices.Contains(models.Passes, pass) {
		return mcp.NewToolResultError(fmt.Sprintf("unknown pass: %s", pass)), nil
	}
	limit := request.GetInt("limit", 20)
	if limit < 1 {
		limit = 20
	}

	runs, err := s.runs.ListRuns(ctx, pass, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}
	out := make([]runOut, len(runs))
	for i, r := range runs {
		out[i] = toRunOut(r)
	}
	return jsonResult(out)
}

// qadesk_find_ticket
func (s *Server) findTicketTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("qadesk_find_ticket",
		mcp.WithDescription("Look up the helpdesk ticket created for a Stack Overflow question id."),
		mcp.WithString("question_id", mcp.Required(), mcp.Description("Stack Overflow question id (the ticket's external id)")),
	)
	return tool, s.handleFindTicket
}

func (s *Server) handleFindTicket(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	questionID, err := request.RequireString("question_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: question_id"), nil
	}

	t, err := s.helpdesk.FindTicketByExternalID(ctx, questionID)
	if errors.Is(err, store.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("no ticket for question %s", questionID)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to look up ticket: %v", err)), nil
	}

	type ticketOut struct {
		ID          int64     `json:"id"`
		QuestionID  string    `json:"question_id"`
		Subject     string    `json:"subject"`
		Status      string    `json:"status"`
		RequesterID int64     `json:"requester_id"`
		Tags        []string  `json:"tags"`
		CreatedAt   time.Time `json:"created_at"`
	}
	return jsonResult(ticketOut{
		ID:          t.ID,
		QuestionID:  t.ExternalID,
		Subject:     t.Subject,
		Status:      string(t.Status),
		RequesterID: t.RequesterID,
		Tags:        t.Tags,
		CreatedAt:   t.CreatedAt,
	})
}

// qadesk_search_users
func (s *Server) searchUsersTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("qadesk_search_users",
		mcp.WithDescription("Search helpdesk users by name or email, e.g. to check whether a web-form submitter or a question author already has an account."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Name or email fragment")),
	)
	return tool, s.handleSearchUsers
}

func (s *Server) handleSearchUsers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil || query == "" {
		return mcp.NewToolResultError("missing required parameter: query"), nil
	}

	users, err := s.helpdesk.SearchUsers(ctx, query)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to search users: %v", err)), nil
	}

	type userOut struct {
		ID         int64  `json:"id"`
		Name       string `json:"name"`
		Email      string `json:"email,omitempty"`
		ExternalID string `json:"external_id,omitempty"`
		Role       string `json:"role"`
		Verified   bool   `json:"verified"`
	}
	out := make([]userOut, len(users))
	for i, u := range users {
		out[i] = userOut{
			ID:         u.ID,
			Name:       u.Name,
			Email:      u.Email,
			ExternalID: u.ExternalID,
			Role:       u.Role,
			Verified:   u.Verified,
		}
	}
	return jsonResult(out)
}

// qadesk_run_pass
func (s *Server) runPassTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("qadesk_run_pass",
		mcp.WithDescription("Run one sync pass now and return its run record. questions: fetch and map new questions; portal: reassign web-form tickets; sla: alert on tickets past the SLA."),
		mcp.WithString("pass", mcp.Required(), mcp.Description("Pass to run"), mcp.Enum("questions", "portal", "sla")),
	)
	return tool, s.handleRunPass
}

func (s *Server) handleRunPass(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("pass")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: pass"), nil
	}
	pass := models.Pass(name)
	if !slices.Contains(models.Passes, pass) {
		return mcp.NewToolResultError(fmt.Sprintf("unknown pass: %s", name)), nil
	}
	if s.runner == nil || !s.runner.Enabled(pass) {
		return mcp.NewToolResultError(fmt.Sprintf("%s pass is not configured", name)), nil
	}

	run, err := s.runner.Run(ctx, pass)
	if err != nil && (run == nil || errors.Is(err, engine.ErrDisabled)) {
		return mcp.NewToolResultError(fmt.Sprintf("%s pass failed: %v", name, err)), nil
	}
	return jsonResult(toRunOut(run))
}

// qadesk_parse_portal_form
func (s *Server) parsePortalFormTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("qadesk_parse_portal_form",
		mcp.WithDescription("Parse the submitter fields from a web-form ticket body, as the portal pass does, and return them with the derived tag."),
		mcp.WithString("body", mcp.Required(), mcp.Description("Ticket body text")),
	)
	return tool, s.handleParsePortalForm
}

func (s *Server) handleParsePortalForm(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body, err := request.RequireString("body")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: body"), nil
	}

	f := portal.ParseForm(body)
	return jsonResult(map[string]string{
		"name":  f.UsersName,
		"email": f.UsersEmail,
		"api":   f.WhichAPI,
		"tag":   f.Tag(),
	})
}
