package integration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/valter-silva-au/digital-fte/internal/core"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

func writeGmailFiles(t *testing.T, token map[string]any) models.GmailConfig {
	t.Helper()
	dir := t.TempDir()
	creds := filepath.Join(dir, "credentials.json")
	tok := filepath.Join(dir, "token.json")
	if err := os.WriteFile(creds, []byte(`{"installed":{"client_id":"cid","client_secret":"secret"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(token)
	if err := os.WriteFile(tok, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return models.GmailConfig{CredentialsPath: creds, TokenPath: tok}
}

func fakeGmail(t *testing.T, status *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := atomic.LoadInt32(status); code != 0 {
			w.WriteHeader(int(code))
			return
		}
		if r.Header.Get("Authorization") != "Bearer access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.URL.Path == "/users/me/messages":
			if r.URL.Query().Get("q") != DefaultGmailQuery || r.URL.Query().Get("maxResults") != "10" {
				t.Errorf("unexpected list query: %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"messages":[{"id":"m1"},{"id":"m2"}]}`))
		case strings.HasPrefix(r.URL.Path, "/users/me/messages/"):
			id := strings.TrimPrefix(r.URL.Path, "/users/me/messages/")
			subject := "Lunch on Friday"
			if id == "m1" {
				subject = "Invoice overdue"
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":       id,
				"threadId": "t-" + id,
				"snippet":  "Please see attached.",
				"payload": map[string]any{"headers": []map[string]string{
					{"name": "From", "value": "Billing <billing@example.com>"},
					{"name": "To", "value": "me@example.com"},
					{"name": "Subject", "value": subject},
					{"name": "Date", "value": "Sun, 1 Mar 2026 08:00:00 +0000"},
				}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func validToken() map[string]any {
	return map[string]any{
		"access_token":  "access-1",
		"token_type":    "Bearer",
		"refresh_token": "refresh-1",
		"expiry":        time.Now().Add(time.Hour).Format(time.RFC3339),
	}
}

func TestGmailFetchAndMaterialize(t *testing.T) {
	var status int32
	srv := fakeGmail(t, &status)
	defer srv.Close()

	cfg := writeGmailFiles(t, validToken())
	cfg.Endpoint = srv.URL
	src := NewGmailSource(cfg, zerolog.Nop(), WithGmailHTTPClient(srv.Client()))

	events, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 || events[0].ID != "email-m1" {
		t.Fatalf("unexpected events: %+v", events)
	}

	item, err := src.Materialize(events[0])
	if err != nil {
		t.Fatal(err)
	}
	if item.Category != "Email" || item.Get(models.MetaType) != "email" {
		t.Errorf("category/type = %s/%s", item.Category, item.Get(models.MetaType))
	}
	if item.Get("subject") != "Invoice overdue" || item.Get(models.MetaPriority) != "high" {
		t.Errorf("unexpected metadata: %v", item.Metadata)
	}
	if item.Get("from") != "Billing <billing@example.com>" {
		t.Errorf("from = %q", item.Get("from"))
	}
	if !strings.Contains(item.Body, "Draft reply (requires approval before sending)") {
		t.Errorf("body missing suggested actions:\n%s", item.Body)
	}
}

func TestGmailFetch_ServerErrorIsTransient(t *testing.T) {
	status := int32(http.StatusServiceUnavailable)
	srv := fakeGmail(t, &status)
	defer srv.Close()

	cfg := writeGmailFiles(t, validToken())
	cfg.Endpoint = srv.URL
	src := NewGmailSource(cfg, zerolog.Nop(), WithGmailHTTPClient(srv.Client()))

	_, err := src.Fetch(context.Background())
	if !errors.Is(err, core.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestGmailFetch_UnauthorizedIsFatal(t *testing.T) {
	status := int32(http.StatusUnauthorized)
	srv := fakeGmail(t, &status)
	defer srv.Close()

	cfg := writeGmailFiles(t, validToken())
	cfg.Endpoint = srv.URL
	src := NewGmailSource(cfg, zerolog.Nop(), WithGmailHTTPClient(srv.Client()))

	if _, err := src.Fetch(context.Background()); !errors.Is(err, core.ErrFatal) {
		t.Fatalf("expected ErrFatal, got %v", err)
	}
}

func TestGmailFetch_MissingFilesAreFatal(t *testing.T) {
	cfg := models.GmailConfig{
		CredentialsPath: filepath.Join(t.TempDir(), "missing.json"),
		TokenPath:       filepath.Join(t.TempDir(), "token.json"),
	}
	src := NewGmailSource(cfg, zerolog.Nop())
	if _, err := src.Fetch(context.Background()); !errors.Is(err, core.ErrFatal) {
		t.Fatalf("expected ErrFatal, got %v", err)
	}

	cfg = writeGmailFiles(t, validToken())
	cfg.TokenPath = filepath.Join(t.TempDir(), "absent-token.json")
	if _, err := NewGmailSource(cfg, zerolog.Nop()).Fetch(context.Background()); !errors.Is(err, core.ErrFatal) {
		t.Fatalf("missing token: expected ErrFatal, got %v", err)
	}
}

func TestGmailFetch_RefreshesExpiredToken(t *testing.T) {
	var status int32
	srv := fakeGmail(t, &status)
	defer srv.Close()

	var refreshes int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshes, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"access-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	dir := t.TempDir()
	creds := filepath.Join(dir, "credentials.json")
	tokPath := filepath.Join(dir, "token.json")
	_ = os.WriteFile(creds, []byte(`{"installed":{"client_id":"cid","client_secret":"s","token_uri":"`+tokenSrv.URL+`"}}`), 0o600)
	// Python-client layout with an expired access token.
	_ = os.WriteFile(tokPath, []byte(`{"token":"stale","refresh_token":"refresh-1","expiry":"2020-01-01T00:00:00Z"}`), 0o600)

	src := NewGmailSource(models.GmailConfig{CredentialsPath: creds, TokenPath: tokPath, Endpoint: srv.URL}, zerolog.Nop())
	events, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 || atomic.LoadInt32(&refreshes) != 1 {
		t.Errorf("events=%d refreshes=%d", len(events), refreshes)
	}
	saved, _ := os.ReadFile(tokPath)
	if !strings.Contains(string(saved), `"access_token": "access-1"`) {
		t.Errorf("refreshed token not persisted: %s", saved)
	}
}

func TestGmailMaterialize_Malformed(t *testing.T) {
	src := NewGmailSource(models.GmailConfig{}, zerolog.Nop())
	if _, err := src.Materialize(core.SourceEvent{ID: "email-x", Data: map[string]string{}}); !errors.Is(err, core.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}
