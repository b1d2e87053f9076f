package sqlite

import (
	"context"
	"testing"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSettingsRepository_DefaultsAndPersist(t *testing.T) {
	ctx := context.Background()
	repo := NewSettingsRepository(openTestDB(t).SQL)

	got, err := repo.Get(ctx)
	if err != nil {
		t.Fatalf("Get(default): %v", err)
	}
	if got.DownloadPath != domain.DefaultPathTemplate {
		t.Fatalf("expected default DownloadPath, got %q", got.DownloadPath)
	}

	want := domain.DefaultSettings()
	want.DownloadType = domain.BackendAria2
	want.Aria2 = domain.Endpoint{Path: "http://nas:6800/jsonrpc", Token: "secret"}
	want.Priority = map[string]int{"Source": 1, "540": 9}
	want.MaxConcurrentDownloads = 6

	updated, err := repo.Put(ctx, want)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if updated.DownloadType != want.DownloadType {
		t.Fatalf("DownloadType: want %q, got %q", want.DownloadType, updated.DownloadType)
	}
	if updated.Aria2 != want.Aria2 {
		t.Fatalf("Aria2: want %+v, got %+v", want.Aria2, updated.Aria2)
	}
	if updated.Priority["540"] != 9 || len(updated.Priority) != 2 {
		t.Fatalf("Priority: want %v, got %v", want.Priority, updated.Priority)
	}
	if updated.MaxConcurrentDownloads != want.MaxConcurrentDownloads {
		t.Fatalf("MaxConcurrentDownloads: want %d, got %d", want.MaxConcurrentDownloads, updated.MaxConcurrentDownloads)
	}
}

func TestSettingsRepository_OneRowPerField(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewSettingsRepository(db.SQL)

	s := domain.DefaultSettings()
	s.Proxy = "http://p"
	if _, err := repo.Put(ctx, s); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var raw string
	if err := db.SQL.QueryRowContext(ctx, `SELECT value_json FROM settings WHERE key = 'proxy'`).Scan(&raw); err != nil {
		t.Fatalf("select proxy row: %v", err)
	}
	if raw != `"http://p"` {
		t.Fatalf("proxy row: got %s", raw)
	}

	// Réécrire la même valeur ne touche pas la ligne.
	if _, err := db.SQL.ExecContext(ctx, `UPDATE settings SET updated_at = 'stamp' WHERE key = 'proxy'`); err != nil {
		t.Fatalf("stamp: %v", err)
	}
	if _, err := repo.Put(ctx, s); err != nil {
		t.Fatalf("Put again: %v", err)
	}
	var stamp string
	if err := db.SQL.QueryRowContext(ctx, `SELECT updated_at FROM settings WHERE key = 'proxy'`).Scan(&stamp); err != nil {
		t.Fatalf("select stamp: %v", err)
	}
	if stamp != "stamp" {
		t.Fatalf("unchanged field was rewritten (updated_at=%q)", stamp)
	}
}

func TestSettingsRepository_BadRowKeepsDefault(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	seed := `INSERT INTO settings(key, value_json, updated_at) VALUES
		('proxy', '"http://p"', 'x'),
		('minDispatchIntervalMs', '"not a number"', 'x'),
		('legacy', '{}', 'x')`
	if _, err := db.SQL.ExecContext(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := NewSettingsRepository(db.SQL).Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Proxy != "http://p" {
		t.Fatalf("Proxy: got %q", got.Proxy)
	}
	if got.MinDispatchIntervalMs != domain.DefaultSettings().MinDispatchIntervalMs {
		t.Fatalf("expected default interval, got %d", got.MinDispatchIntervalMs)
	}
}

func TestSettingsRepository_MapsAreReplaced(t *testing.T) {
	ctx := context.Background()
	repo := NewSettingsRepository(openTestDB(t).SQL)

	s := domain.DefaultSettings()
	s.Priority = map[string]int{"360": 1}
	s.PathVariables = map[string]string{"root": "/srv"}
	got, err := repo.Put(ctx, s)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(got.Priority) != 1 || got.Priority["360"] != 1 {
		t.Fatalf("Priority should replace defaults, got %v", got.Priority)
	}
	if got.PathVariables["root"] != "/srv" {
		t.Fatalf("PathVariables: got %v", got.PathVariables)
	}

	s.PathVariables = nil
	got, err = repo.Put(ctx, s)
	if err != nil {
		t.Fatalf("Put cleared: %v", err)
	}
	if len(got.PathVariables) != 0 {
		t.Fatalf("cleared PathVariables came back: %v", got.PathVariables)
	}
}
