// Package anki is a client for the AnkiConnect automation API.
package anki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/starford/fieldsmith/internal/apperr"
	"github.com/starford/fieldsmith/internal/models"
)

const (
	apiVersion     = 6
	defaultURL     = "http://127.0.0.1:8765"
	defaultTimeout = 30 * time.Second
)

// Client talks to AnkiConnect. Every call is a blocking request bounded by
// the client timeout.
type Client struct {
	httpClient *http.Client
	url        string
	timeout    time.Duration
	logger     *slog.Logger
}

// NewClient creates a new AnkiConnect client.
func NewClient(url string, timeout time.Duration, logger *slog.Logger) *Client {
	if url == "" {
		url = defaultURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{},
		url:        url,
		timeout:    timeout,
		logger:     logger,
	}
}

type request struct {
	Action  string `json:"action"`
	Version int    `json:"version"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

type noteInfo struct {
	NoteID int64                `json:"noteId"`
	Fields map[string]noteField `json:"fields"`
}

type noteField struct {
	Value string `json:"value"`
	Order int    `json:"order"`
}

// invoke performs one AnkiConnect action and decodes the result into out.
func (c *Client) invoke(ctx context.Context, action string, params, out any) error {
	body, err := json.Marshal(request{Action: action, Version: apiVersion, Params: params})
	if err != nil {
		return fmt.Errorf("anki: marshal %s: %w", action, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("anki: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("anki: request", slog.String("action", action))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &apperr.TransportError{Op: "anki " + action, Err: err}
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return &apperr.TransportError{Op: "anki " + action, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apperr.ServerError{Op: "anki " + action, Status: resp.StatusCode, Msg: strings.TrimSpace(string(respBytes))}
	}

	var envelope response
	if err := json.Unmarshal(respBytes, &envelope); err != nil {
		return &apperr.ServerError{Op: "anki " + action, Msg: fmt.Sprintf("decode response: %v", err)}
	}
	if msg := errorMessage(envelope.Error); msg != "" {
		if strings.Contains(msg, "collection is not available") {
			msg = "collection busy: " + msg
		}
		return &apperr.ServerError{Op: "anki " + action, Msg: msg}
	}
	if envelope.Result == nil {
		return &apperr.ServerError{Op: "anki " + action, Msg: "response missing result"}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return &apperr.ServerError{Op: "anki " + action, Msg: fmt.Sprintf("unexpected result: %v", err)}
	}
	return nil
}

func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Version returns the AnkiConnect API version. It doubles as a
// connectivity check.
func (c *Client) Version(ctx context.Context) (int, error) {
	var v int
	if err := c.invoke(ctx, "version", nil, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// FindNotes returns the ids of notes matching query.
func (c *Client) FindNotes(ctx context.Context, query string) ([]int64, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("anki: query is required")
	}
	var ids []int64
	if err := c.invoke(ctx, "findNotes", map[string]any{"query": query}, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// NoteFields fetches the current field values of one note.
func (c *Client) NoteFields(ctx context.Context, id int64) (models.Note, error) {
	var infos []noteInfo
	if err := c.invoke(ctx, "notesInfo", map[string]any{"notes": []int64{id}}, &infos); err != nil {
		return models.Note{}, err
	}
	// Unknown ids come back as an empty object.
	if len(infos) == 0 || infos[0].NoteID == 0 {
		return models.Note{}, fmt.Errorf("anki: note %d: %w", id, apperr.ErrNotFound)
	}
	fields := make(map[string]string, len(infos[0].Fields))
	for name, f := range infos[0].Fields {
		fields[name] = f.Value
	}
	return models.Note{ID: id, Fields: fields}, nil
}

// UpdateNoteFields writes fields to a note in a single call, so a note is
// either fully updated or not at all.
func (c *Client) UpdateNoteFields(ctx context.Context, id int64, fields map[string]string) error {
	if id <= 0 {
		return fmt.Errorf("anki: invalid note id %d", id)
	}
	params := map[string]any{
		"note": map[string]any{
			"id":     id,
			"fields": fields,
		},
	}
	return c.invoke(ctx, "updateNoteFields", params, nil)
}
