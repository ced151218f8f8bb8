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

	"github.com/joescharf/sitedit/internal/git"
	"github.com/joescharf/sitedit/internal/models"
	"github.com/joescharf/sitedit/internal/review"
)

// Server exposes the review queue as MCP tools.
type Server struct {
	review  *review.Service
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(rev *review.Service, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{review: rev, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("sitedit", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.queueListTool())
	srv.AddTool(s.queueShowTool())
	srv.AddTool(s.queueApproveTool())
	srv.AddTool(s.queueRejectTool())
	srv.AddTool(s.queueStatsTool())

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

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// queue_list
func (s *Server) queueListTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("queue_list",
		mcp.WithDescription("List change requests in the review queue, newest first. Returns a JSON array with id, username, branchName, description, status and submittedAt."),
		mcp.WithString("status",
			mcp.Description("Filter by status"),
			mcp.Enum("pending", "approved", "rejected", "cancelled"),
		),
	)
	return tool, s.handleQueueList
}

func (s *Server) handleQueueList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := models.RequestStatus(request.GetString("status", ""))
	if status != "" && !status.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("invalid status: %s", status)), nil
	}
	reqs, err := s.review.Queue().GetAll(ctx, status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list requests: %v", err)), nil
	}

	type requestOut struct {
		ID          string               `json:"id"`
		Username    string               `json:"username"`
		BranchName  string               `json:"branchName"`
		Description string               `json:"description"`
		Status      models.RequestStatus `json:"status"`
		SubmittedAt string               `json:"submittedAt"`
		ReviewedBy  string               `json:"reviewedBy,omitempty"`
	}
	out := make([]requestOut, len(reqs))
	for i, r := range reqs {
		out[i] = requestOut{
			ID:          r.ID,
			Username:    r.Username,
			BranchName:  r.BranchName,
			Description: r.Description,
			Status:      r.Status,
			SubmittedAt: r.SubmittedAt.Format(time.RFC3339),
			ReviewedBy:  r.ReviewedBy,
		}
	}
	return jsonResult(out)
}

// queue_show
func (s *Server) queueShowTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("queue_show",
		mcp.WithDescription("Show one change request with its diff against main and the list of changed files."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Request id (req-...)")),
	)
	return tool, s.handleQueueShow
}

func (s *Server) handleQueueShow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: id"), nil
	}
	d, err := s.review.Details(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load request %s: %v", id, err)), nil
	}
	return jsonResult(d)
}

// queue_approve
func (s *Server) queueApproveTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("queue_approve",
		mcp.WithDescription("Approve a pending change request: merge its branch into main and remove the branch. Fails without side effects on a merge conflict."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Request id")),
		mcp.WithString("reviewer", mcp.Required(), mcp.Description("Name recorded as the approver")),
		mcp.WithString("note", mcp.Description("Optional review note")),
	)
	return tool, s.handleQueueApprove
}

func (s *Server) handleQueueApprove(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, reviewer, errResult := reviewArgs(request)
	if errResult != nil {
		return errResult, nil
	}
	r, err := s.review.Approve(ctx, id, reviewer, request.GetString("note", ""))
	if err != nil {
		var ce *git.ConflictError
		if errors.As(err, &ce) {
			return mcp.NewToolResultError(fmt.Sprintf("merge conflict, request left pending:\n%s", ce.Summary)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to approve %s: %v", id, err)), nil
	}
	return jsonResult(r)
}

// queue_reject
func (s *Server) queueRejectTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("queue_reject",
		mcp.WithDescription("Reject a pending change request and discard its branch."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Request id")),
		mcp.WithString("reviewer", mcp.Required(), mcp.Description("Name recorded as the reviewer")),
		mcp.WithString("note", mcp.Description("Optional reason")),
	)
	return tool, s.handleQueueReject
}

func (s *Server) handleQueueReject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, reviewer, errResult := reviewArgs(request)
	if errResult != nil {
		return errResult, nil
	}
	r, err := s.review.Reject(ctx, id, reviewer, request.GetString("note", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to reject %s: %v", id, err)), nil
	}
	return jsonResult(r)
}

func reviewArgs(request mcp.CallToolRequest) (string, string, *mcp.CallToolResult) {
	id, err := request.RequireString("id")
	if err != nil {
		return "", "", mcp.NewToolResultError("missing required parameter: id")
	}
	reviewer, err := request.RequireString("reviewer")
	if err != nil || reviewer == "" {
		return "", "", mcp.NewToolResultError("missing required parameter: reviewer")
	}
	return id, reviewer, nil
}

// queue_stats
func (s *Server) queueStatsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("queue_stats",
		mcp.WithDescription("Count change requests by status."),
	)
	return tool, s.handleQueueStats
}

func (s *Server) handleQueueStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.review.Queue().Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to compute stats: %v", err)), nil
	}
	return jsonResult(stats)
}
