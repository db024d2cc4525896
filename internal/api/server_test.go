package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/dastak-io/dastak/internal/logbuf"
	"github.com/dastak-io/dastak/internal/ticket"
)

func newTestServer(t *testing.T, key string) (*Server, *ticket.SQLiteStore, *logbuf.Buffer) {
	t.Helper()

	store, err := ticket.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("ticket store: %v", err)
	}
	t.Cleanup(func() { store.DB().Close() })

	buf := logbuf.New(100)
	logger := slog.New(logbuf.NewHandler(slog.NewTextHandler(io.Discard, nil), buf))

	srv := NewServer(store, Config{Key: key}, logger, buf, nil)
	return srv, store, buf
}

func get(t *testing.T, h http.Handler, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, "secret")

	rec := get(t, srv.Handler(), "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("health should not require auth, got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := newTestServer(t, "secret")

	if rec := get(t, srv.Handler(), "/api/tickets", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", rec.Code)
	}
	if rec := get(t, srv.Handler(), "/api/tickets", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong key, got %d", rec.Code)
	}
	if rec := get(t, srv.Handler(), "/api/tickets", "secret"); rec.Code != http.StatusOK {
		t.Errorf("expected 200 with key, got %d", rec.Code)
	}
}

func TestOpenTickets(t *testing.T) {
	srv, store, _ := newTestServer(t, "")
	ctx := context.Background()

	open := &ticket.Ticket{UserID: 1, Text: "help"}
	store.Create(ctx, open)
	answered := &ticket.Ticket{UserID: 2, Text: "done"}
	store.Create(ctx, answered)
	store.MarkReplied(ctx, answered.ID, 42, "ok")

	rec := get(t, srv.Handler(), "/api/tickets", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var views []ticketView
	if err := json.NewDecoder(rec.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || views[0].Number != open.Number {
		t.Errorf("expected only the open ticket, got %+v", views)
	}
}

func TestGetTicketHidesCustomerData(t *testing.T) {
	srv, store, _ := newTestServer(t, "")
	ctx := context.Background()

	tk := &ticket.Ticket{UserID: 1001, Text: "my account number is 12345"}
	store.Create(ctx, tk)

	rec := get(t, srv.Handler(), "/api/tickets/"+tk.Number, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var raw map[string]any
	json.NewDecoder(rec.Body).Decode(&raw)
	if _, ok := raw["text"]; ok {
		t.Error("ticket text must not leak through the ops API")
	}
	if raw["number"] != tk.Number {
		t.Errorf("expected number %q, got %v", tk.Number, raw["number"])
	}

	if rec := get(t, srv.Handler(), "/api/tickets/ZZZ000", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown code, got %d", rec.Code)
	}
}

func TestGetLogs(t *testing.T) {
	srv, _, buf := newTestServer(t, "")

	logger := slog.New(logbuf.NewHandler(slog.NewTextHandler(io.Discard, nil), buf))
	logger.Info("something happened", "ticket", "ABC123")
	logger.Error("something broke")

	rec := get(t, srv.Handler(), "/api/logs?level=error", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entries []logbuf.Entry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "something broke" {
		t.Errorf("expected only the error entry, got %+v", entries)
	}

	if rec := get(t, srv.Handler(), "/api/logs?level=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad level, got %d", rec.Code)
	}
}
