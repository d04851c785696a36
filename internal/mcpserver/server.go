// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the enrichment ledger and prompt previews via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/fieldsmith/internal/apperr"
	"github.com/starford/fieldsmith/internal/noteservice"
)

// TaskResourceURI addresses the task contract resource.
const TaskResourceURI = "fieldsmith://task"

// Server wraps the MCP server with ledger tools.
type Server struct {
	mcp *server.MCPServer
	svc *noteservice.Service
}

// New creates a new MCP server with all tools registered.
func New(svc *noteservice.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"fieldsmith",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("ledger_summary",
		mcp.WithDescription("Summarise the progress ledger of the active task: per-status note counts, "+
			"last update time and whether the ledger was written by the current task definition."),
	), s.ledgerSummary)

	s.mcp.AddTool(mcp.NewTool("list_records",
		mcp.WithDescription("List per-note processing records ordered by note id."),
		mcp.WithString("status", mcp.Description("Optional status filter: pending, success, skipped or failed")),
		mcp.WithNumber("limit", mcp.Description("Page size (default 50, max 500)")),
		mcp.WithNumber("offset", mcp.Description("Page offset")),
	), s.listRecords)

	s.mcp.AddTool(mcp.NewTool("get_record",
		mcp.WithDescription("Return the processing record of one note, including the error and raw model "+
			"output of failed notes."),
		mcp.WithNumber("note_id", mcp.Required(), mcp.Description("Note id")),
	), s.getRecord)

	s.mcp.AddTool(mcp.NewTool("preview_prompt",
		mcp.WithDescription("Fetch a note from the flashcard application and render the prompt the task "+
			"would send for it. No inference is run and nothing is written."),
		mcp.WithNumber("note_id", mcp.Required(), mcp.Description("Note id")),
	), s.previewPrompt)

	s.mcp.AddTool(mcp.NewTool("get_task_contract",
		mcp.WithDescription("Describe the active task: deck, model, input fields, output fields with their "+
			"merge policies, and the response format the model must produce."),
	), s.getTaskContract)

	s.mcp.AddResource(
		mcp.NewResource(TaskResourceURI, "Task Contract",
			mcp.WithResourceDescription("Input/output contract of the active enrichment task."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readTaskResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

type listArgs struct {
	Status string `json:"status"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

type noteArgs struct {
	NoteID int64 `json:"note_id"`
}

// decode unmarshals tool arguments into a typed struct.
func decode[T any](req mcp.CallToolRequest) (T, error) {
	var result T
	b, err := json.Marshal(req.GetArguments())
	if err != nil {
		return result, fmt.Errorf("marshal args: %w", err)
	}
	if err := json.Unmarshal(b, &result); err != nil {
		return result, fmt.Errorf("unmarshal args: %w", err)
	}
	return result, nil
}

func noteIDArg(req mcp.CallToolRequest) (int64, error) {
	args, err := decode[noteArgs](req)
	if err != nil {
		return 0, err
	}
	if args.NoteID <= 0 {
		return 0, errors.New("note_id must be a positive integer")
	}
	return args.NoteID, nil
}

// toolError converts a service error into a tool error result.
func toolError(err error) *mcp.CallToolResult {
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError("not found: " + err.Error())
	}
	return mcp.NewToolResultError(err.Error())
}

func (s *Server) ledgerSummary(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sum, err := s.svc.Summary(ctx)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultJSON(sum)
}

func (s *Server) listRecords(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := decode[listArgs](req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	status, err := noteservice.ParseStatus(args.Status)
	if err != nil {
		return toolError(err), nil
	}
	recs, total, err := s.svc.ListRecords(ctx, status, args.Limit, args.Offset)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultJSON(map[string]any{
		"records": recs,
		"total":   total,
	})
}

func (s *Server) getRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := noteIDArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.svc.GetRecord(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultJSON(rec)
}

func (s *Server) previewPrompt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := noteIDArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	p, err := s.svc.PreviewPrompt(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultJSON(p)
}

func (s *Server) getTaskContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(s.svc.Contract()), nil
}

func (s *Server) readTaskResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      TaskResourceURI,
			MIMEType: "text/markdown",
			Text:     s.svc.Contract(),
		},
	}, nil
}
