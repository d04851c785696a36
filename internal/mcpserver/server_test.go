package mcpserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/fieldsmith/internal/models"
	"github.com/starford/fieldsmith/internal/noteservice"
	"github.com/starford/fieldsmith/internal/storage"
	"github.com/starford/fieldsmith/internal/task"
	"github.com/starford/fieldsmith/internal/testutil"
)

func testServer(t *testing.T) (*Server, *storage.FS, *task.PromptTask) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "JP_progress.json")
	pt, err := task.New(task.Definition{
		Name:     "enhancer",
		Deck:     "JP",
		RefField: "Word",
		Inputs:   []task.InputField{{Field: "Word"}, {Field: "Meaning", Label: "english"}},
		Outputs: []task.OutputField{
			{Field: "Hint", Description: "short hint"},
			{Field: "Notes", Description: "usage notes", Policy: task.PolicyAppend},
		},
		Template: "Word: [[Word]]\n{{inputs}}\nReturn {{outputs}}",
	}, task.Options{DefaultModel: "phi4", DefaultPolicy: task.PolicyOverwrite, SaveProgress: true,
		ProgressPath: path, AppendSeparator: " | "})
	if err != nil {
		t.Fatal(err)
	}

	store, err := storage.NewFS(path)
	if err != nil {
		t.Fatal(err)
	}

	notes := testutil.NewNoteStore().
		Add(7, map[string]string{"Word": "猫", "Meaning": "cat", "Hint": "", "Notes": ""})

	srv := New(noteservice.NewService(store, pt, notes), "test")
	return srv, store, pt
}

func seed(t *testing.T, store *storage.FS, pt *task.PromptTask, recs ...models.Record) {
	t.Helper()
	l := models.NewLedger(pt.Deck(), pt.Name(), pt.Fingerprint())
	for _, r := range recs {
		l.Set(r)
	}
	if err := store.Put(context.Background(), l); err != nil {
		t.Fatal(err)
	}
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	var result *mcp.CallToolResult
	var err error

	switch name {
	case "ledger_summary":
		result, err = srv.ledgerSummary(ctx, req)
	case "list_records":
		result, err = srv.listRecords(ctx, req)
	case "get_record":
		result, err = srv.getRecord(ctx, req)
	case "preview_prompt":
		result, err = srv.previewPrompt(ctx, req)
	case "get_task_contract":
		result, err = srv.getTaskContract(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func decodeResult(t *testing.T, r *mcp.CallToolResult, v any) {
	t.Helper()
	if r.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(r))
	}
	if err := json.Unmarshal([]byte(resultText(r)), v); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func TestLedgerSummary(t *testing.T) {
	srv, store, pt := testServer(t)
	seed(t, store, pt,
		models.Record{NoteID: 1, Status: models.StatusSuccess},
		models.Record{NoteID: 2, Status: models.StatusFailed, ErrorKind: "malformed_response"},
	)

	var sum noteservice.Summary
	decodeResult(t, callTool(t, srv, "ledger_summary", map[string]interface{}{}), &sum)
	if sum.Total != 2 {
		t.Errorf("total = %d, want 2", sum.Total)
	}
	if sum.Counts[models.StatusFailed] != 1 {
		t.Errorf("failed count = %d, want 1", sum.Counts[models.StatusFailed])
	}
	if !sum.FingerprintMatches {
		t.Error("fingerprint should match the active task")
	}
}

func TestListRecords(t *testing.T) {
	srv, store, pt := testServer(t)
	seed(t, store, pt,
		models.Record{NoteID: 3, Status: models.StatusSuccess},
		models.Record{NoteID: 1, Status: models.StatusFailed},
		models.Record{NoteID: 2, Status: models.StatusSuccess},
	)

	var out struct {
		Records []models.Record `json:"records"`
		Total   int             `json:"total"`
	}
	decodeResult(t, callTool(t, srv, "list_records", map[string]interface{}{
		"status": "success",
		"limit":  float64(1),
	}), &out)
	if out.Total != 2 {
		t.Errorf("total = %d, want 2", out.Total)
	}
	if len(out.Records) != 1 || out.Records[0].NoteID != 2 {
		t.Errorf("records = %+v, want note 2 only", out.Records)
	}
}

func TestListRecordsBadStatus(t *testing.T) {
	srv, _, _ := testServer(t)
	r := callTool(t, srv, "list_records", map[string]interface{}{"status": "done"})
	if !r.IsError {
		t.Error("expected error for unknown status")
	}
}

func TestGetRecord(t *testing.T) {
	srv, store, pt := testServer(t)
	seed(t, store, pt, models.Record{
		NoteID:      4,
		Ref:         "犬",
		Status:      models.StatusFailed,
		ErrorKind:   "malformed_response",
		Error:       "no JSON object",
		RawResponse: "sorry",
	})

	var rec models.Record
	decodeResult(t, callTool(t, srv, "get_record", map[string]interface{}{"note_id": float64(4)}), &rec)
	if rec.Ref != "犬" || rec.RawResponse != "sorry" {
		t.Errorf("record = %+v", rec)
	}
}

func TestGetRecordMissing(t *testing.T) {
	srv, _, _ := testServer(t)
	r := callTool(t, srv, "get_record", map[string]interface{}{"note_id": float64(99)})
	if !r.IsError {
		t.Fatal("expected error for unknown note")
	}
	if !strings.HasPrefix(resultText(r), "not found") {
		t.Errorf("error text = %q", resultText(r))
	}
}

func TestGetRecordRequiresNoteID(t *testing.T) {
	srv, _, _ := testServer(t)
	r := callTool(t, srv, "get_record", map[string]interface{}{})
	if !r.IsError {
		t.Error("expected error without note_id")
	}
}

func TestPreviewPrompt(t *testing.T) {
	srv, _, _ := testServer(t)

	var p noteservice.Preview
	decodeResult(t, callTool(t, srv, "preview_prompt", map[string]interface{}{"note_id": float64(7)}), &p)
	if p.Model != "phi4" {
		t.Errorf("model = %q", p.Model)
	}
	if !strings.Contains(p.Prompt, "Word: 猫") {
		t.Errorf("prompt missing placeholder value: %q", p.Prompt)
	}
	if !strings.Contains(p.Prompt, `"english": "cat"`) {
		t.Errorf("prompt missing labelled input: %q", p.Prompt)
	}
	if p.Done {
		t.Error("note without record should not be done")
	}
}

func TestGetTaskContract(t *testing.T) {
	srv, _, _ := testServer(t)
	text := resultText(callTool(t, srv, "get_task_contract", map[string]interface{}{}))
	for _, want := range []string{"Deck: `JP`", "| Meaning | english |", "| Notes | append | usage notes |", "`append`"} {
		if !strings.Contains(text, want) {
			t.Errorf("contract missing %q:\n%s", want, text)
		}
	}
}

func TestTaskResource(t *testing.T) {
	srv, _, _ := testServer(t)
	contents, err := srv.readTaskResource(context.Background(), mcp.ReadResourceRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(contents) != 1 {
		t.Fatalf("contents = %d, want 1", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("unexpected content type %T", contents[0])
	}
	if tc.URI != TaskResourceURI || !strings.HasPrefix(tc.Text, `# Task "enhancer"`) {
		t.Errorf("resource = %+v", tc)
	}
}
