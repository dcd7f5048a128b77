package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/pickle/internal/limits"
	"github.com/joescharf/pickle/internal/models"
	"github.com/joescharf/pickle/internal/session"
	"github.com/joescharf/pickle/internal/store"
	"github.com/joescharf/pickle/internal/ticket"
)

// Ledger is the part of the event ledger the tools use. It may be nil.
type Ledger interface {
	Record(ctx context.Context, s *session.Session, kind models.EventKind, name, decision, message string) error
	ListEvents(ctx context.Context, filter store.EventFilter) ([]*models.Event, error)
}

// Server exposes pickle sessions as MCP tools.
type Server struct {
	sessions *session.Store
	ledger   Ledger
	version  string
	now      func() time.Time
}

// NewServer creates the MCP server wrapper. ledger may be nil.
func NewServer(sessions *session.Store, ledger Ledger, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{sessions: sessions, ledger: ledger, version: version, now: time.Now}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("pickle", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.sessionStatusTool())
	srv.AddTool(s.cancelSessionTool())
	srv.AddTool(s.updateTicketStatusTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

type sessionOut struct {
	ID             string `json:"id"`
	SessionDir     string `json:"session_dir"`
	WorkingDir     string `json:"working_dir"`
	Active         bool   `json:"active"`
	Step           string `json:"step"`
	Iteration      int    `json:"iteration"`
	MaxIterations  int    `json:"max_iterations"`
	MaxTimeMinutes int    `json:"max_time_minutes"`
	ElapsedSeconds int64  `json:"elapsed_seconds"`
	CurrentTicket  string `json:"current_ticket,omitempty"`
	Title          string `json:"title,omitempty"`
	TicketsDone    int    `json:"tickets_done"`
	TicketsTotal   int    `json:"tickets_total"`
}

func (s *Server) toOut(sess *session.Session) sessionOut {
	sum := ticket.Summarize(sess.SessionDir)
	return sessionOut{
		ID:             sess.ID(),
		SessionDir:     sess.SessionDir,
		WorkingDir:     sess.WorkingDir,
		Active:         sess.Active,
		Step:           sess.Step,
		Iteration:      sess.Iteration,
		MaxIterations:  sess.MaxIterations,
		MaxTimeMinutes: sess.MaxTimeMinutes,
		ElapsedSeconds: int64(sess.Elapsed(s.now()).Seconds()),
		CurrentTicket:  sess.Ticket(),
		Title:          sum.Title,
		TicketsDone:    sum.Done,
		TicketsTotal:   sum.Total,
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// pickle_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("pickle_list_sessions",
		mcp.WithDescription("List pickle sessions, newest first. Returns a JSON array with id, working_dir, step, iteration, limits and ticket progress."),
		mcp.WithBoolean("active_only", mcp.Description("Only return active sessions")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	activeOnly := request.GetBool("active_only", false)
	all, err := s.sessions.List()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}
	out := make([]sessionOut, 0, len(all))
	for _, sess := range all {
		if activeOnly && !sess.Active {
			continue
		}
		out = append(out, s.toOut(sess))
	}
	return jsonResult(out)
}

// pickle_session_status
func (s *Server) sessionStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("pickle_session_status",
		mcp.WithDescription("Get the status of one session: phase, iteration, limit usage and recent ledger events. Resolve by session path, id or id fragment, or by the working directory it is registered for."),
		mcp.WithString("session", mcp.Description("Session directory, id, or id fragment")),
		mcp.WithString("working_dir", mcp.Description("Repository directory the session is registered for")),
	)
	return tool, s.handleSessionStatus
}

func (s *Server) handleSessionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.resolve(request)
	if errResult != nil {
		return errResult, nil
	}

	now := s.now()
	type eventOut struct {
		Kind     string    `json:"kind"`
		Name     string    `json:"name"`
		Decision string    `json:"decision"`
		Message  string    `json:"message,omitempty"`
		At       time.Time `json:"at"`
	}
	type statusOut struct {
		sessionOut
		Prompt           string     `json:"prompt"`
		LimitStatus      string     `json:"limit_status"`
		RemainingSeconds *int64     `json:"remaining_seconds,omitempty"`
		RepeatCount      int        `json:"repeat_count"`
		JarComplete      bool       `json:"jar_complete"`
		Events           []eventOut `json:"events,omitempty"`
	}

	out := statusOut{
		sessionOut:  s.toOut(sess),
		Prompt:      sess.OriginalPrompt,
		LimitStatus: limits.Evaluate(sess, now).String(),
		JarComplete: sess.JarComplete,
	}
	if rem, ok := limits.Remaining(sess, now); ok {
		secs := int64(rem.Seconds())
		out.RemainingSeconds = &secs
	}
	if sess.LoopMonitor != nil {
		out.RepeatCount = sess.LoopMonitor.RepeatCount
	}
	if s.ledger != nil {
		events, err := s.ledger.ListEvents(ctx, store.EventFilter{SessionID: sess.ID(), Limit: 10})
		if err == nil {
			for _, e := range events {
				out.Events = append(out.Events, eventOut{
					Kind:     string(e.Kind),
					Name:     e.Name,
					Decision: e.Decision,
					Message:  e.Message,
					At:       e.CreatedAt,
				})
			}
		}
	}
	return jsonResult(out)
}

// pickle_cancel_session
func (s *Server) cancelSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("pickle_cancel_session",
		mcp.WithDescription("Deactivate a session so the next agent turn is allowed to exit."),
		mcp.WithString("session", mcp.Description("Session directory, id, or id fragment")),
		mcp.WithString("working_dir", mcp.Description("Repository directory the session is registered for")),
	)
	return tool, s.handleCancelSession
}

func (s *Server) handleCancelSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.resolve(request)
	if errResult != nil {
		return errResult, nil
	}
	if !sess.Active {
		return mcp.NewToolResultText(fmt.Sprintf("Session %s is already inactive", sess.ID())), nil
	}

	updated, err := s.sessions.Update(sess.SessionDir, func(rec *session.Session) error {
		rec.Active = false
		rec.AppendHistory(s.now(), "cancel", "mcp")
		return nil
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to cancel session: %v", err)), nil
	}
	if s.ledger != nil {
		_ = s.ledger.Record(ctx, updated, models.EventKindSession, "cancel", "cancelled", "via mcp")
	}
	return mcp.NewToolResultText(fmt.Sprintf("Cancelled session %s", updated.ID())), nil
}

// pickle_update_ticket_status
func (s *Server) updateTicketStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("pickle_update_ticket_status",
		mcp.WithDescription("Set the status of a ticket file in a session. Marking the current ticket Done clears it from the session."),
		mcp.WithString("ticket_id", mcp.Required(), mcp.Description("Ticket id")),
		mcp.WithString("status", mcp.Required(), mcp.Description("New status, e.g. \"In Progress\" or \"Done\"")),
		mcp.WithString("session", mcp.Description("Session directory, id, or id fragment")),
		mcp.WithString("working_dir", mcp.Description("Repository directory the session is registered for")),
	)
	return tool, s.handleUpdateTicketStatus
}

func (s *Server) handleUpdateTicketStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("ticket_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: ticket_id"), nil
	}
	status, err := request.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: status"), nil
	}
	sess, errResult := s.resolve(request)
	if errResult != nil {
		return errResult, nil
	}

	u, err := ticket.UpdateStatus(sess.SessionDir, id, status, s.now())
	if errors.Is(err, ticket.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("ticket not found: %s", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update ticket: %v", err)), nil
	}
	if s.ledger != nil {
		_ = s.ledger.Record(ctx, sess, models.EventKindSession, "ticket:"+id, status, u.Path)
	}

	msg := fmt.Sprintf("Updated ticket %s to %q (%s)", id, status, u.Path)
	if u.ClearedTicket {
		msg += "; cleared current ticket"
	}
	return mcp.NewToolResultText(msg), nil
}

// resolve finds the session named by the "session" or "working_dir" argument.
func (s *Server) resolve(request mcp.CallToolRequest) (*session.Session, *mcp.CallToolResult) {
	target := request.GetString("session", "")
	cwd := request.GetString("working_dir", "")
	if target == "" && cwd == "" {
		return nil, mcp.NewToolResultError("one of session or working_dir is required")
	}
	dir, err := s.sessions.ResolveTarget(target, cwd)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("session not found: %v", err))
	}
	sess, err := session.Load(dir)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("failed to load session: %v", err))
	}
	if sess.SessionDir == "" {
		sess.SessionDir = dir
	}
	return sess, nil
}
