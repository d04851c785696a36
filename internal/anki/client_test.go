package anki

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starford/fieldsmith/internal/apperr"
)

type capturedRequest struct {
	Action  string          `json:"action"`
	Version int             `json:"version"`
	Params  json.RawMessage `json:"params"`
}

func testClient(t *testing.T, handler func(t *testing.T, req capturedRequest) any) *Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var req capturedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Version != 6 {
			t.Errorf("version = %d, want 6", req.Version)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(handler(t, req))
	}))
	t.Cleanup(server.Close)
	return NewClient(server.URL, 5*time.Second, nil)
}

func TestVersion(t *testing.T) {
	c := testClient(t, func(t *testing.T, req capturedRequest) any {
		require.Equal(t, "version", req.Action)
		return map[string]any{"result": 6, "error": nil}
	})
	v, err := c.Version(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, v)
}

func TestFindNotes(t *testing.T) {
	c := testClient(t, func(t *testing.T, req capturedRequest) any {
		require.Equal(t, "findNotes", req.Action)
		require.JSONEq(t, `{"query":"deck:\"JP\""}`, string(req.Params))
		return map[string]any{"result": []int64{1700000000002, 1700000000001}, "error": nil}
	})
	ids, err := c.FindNotes(context.Background(), `deck:"JP"`)
	require.NoError(t, err)
	require.Equal(t, []int64{1700000000002, 1700000000001}, ids)
}

func TestNoteFields(t *testing.T) {
	c := testClient(t, func(t *testing.T, req capturedRequest) any {
		require.Equal(t, "notesInfo", req.Action)
		require.JSONEq(t, `{"notes":[42]}`, string(req.Params))
		return map[string]any{
			"result": []any{map[string]any{
				"noteId": 42,
				"fields": map[string]any{
					"Word": map[string]any{"value": "猫", "order": 0},
					"Hint": map[string]any{"value": "", "order": 1},
				},
			}},
			"error": nil,
		}
	})
	note, err := c.NoteFields(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, int64(42), note.ID)
	require.Equal(t, map[string]string{"Word": "猫", "Hint": ""}, note.Fields)
}

func TestNoteFieldsUnknownNote(t *testing.T) {
	c := testClient(t, func(t *testing.T, req capturedRequest) any {
		return map[string]any{"result": []any{map[string]any{}}, "error": nil}
	})
	_, err := c.NoteFields(context.Background(), 7)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdateNoteFields(t *testing.T) {
	c := testClient(t, func(t *testing.T, req capturedRequest) any {
		require.Equal(t, "updateNoteFields", req.Action)
		require.JSONEq(t, `{"note":{"id":42,"fields":{"Hint":"noun"}}}`, string(req.Params))
		return map[string]any{"result": nil, "error": nil}
	})
	require.NoError(t, c.UpdateNoteFields(context.Background(), 42, map[string]string{"Hint": "noun"}))
}

func TestAPIErrorIsServerError(t *testing.T) {
	c := testClient(t, func(t *testing.T, req capturedRequest) any {
		return map[string]any{"result": nil, "error": "collection is not available"}
	})
	_, err := c.FindNotes(context.Background(), "deck:x")
	require.Error(t, err)
	require.Equal(t, apperr.KindServer, apperr.KindOf(err))
	require.Contains(t, err.Error(), "collection busy")
}

func TestMissingResultIsServerError(t *testing.T) {
	c := testClient(t, func(t *testing.T, req capturedRequest) any {
		return map[string]any{"error": nil}
	})
	_, err := c.Version(context.Background())
	require.Equal(t, apperr.KindServer, apperr.KindOf(err))
}

func TestHTTPStatusIsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, time.Second, nil).Version(context.Background())
	var srvErr *apperr.ServerError
	require.ErrorAs(t, err, &srvErr)
	require.Equal(t, http.StatusInternalServerError, srvErr.Status)
}

func TestConnectionRefusedIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewClient(url, time.Second, nil).Version(context.Background())
	require.Equal(t, apperr.KindTransport, apperr.KindOf(err))
}

func TestTimeoutIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	_, err := NewClient(server.URL, 50*time.Millisecond, nil).Version(context.Background())
	require.Equal(t, apperr.KindTransport, apperr.KindOf(err))
}
