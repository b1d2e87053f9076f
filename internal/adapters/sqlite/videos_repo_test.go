package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/ports"
)

func TestVideoCache_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := NewVideoCache(openTestDB(t).SQL)

	if _, err := cache.Get(ctx, "missing"); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	v := domain.VideoDescriptor{
		ID:              "abc",
		Title:           "t",
		Author:          "a",
		AuthorID:        "a1",
		UploadTime:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Tags:            []string{"mmd", "dance"},
		DownloadQuality: "Source",
		DownloadURL:     "https://cdn/x?expires=1",
		State:           domain.VideoResolved,
		Step:            domain.StepResolved,
		Private:         true,
	}
	if err := cache.Put(ctx, v); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := cache.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.UploadTime.Equal(v.UploadTime) || got.Title != "t" || !got.Private || got.State != domain.VideoResolved {
		t.Fatalf("unexpected descriptor: %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[1] != "dance" {
		t.Fatalf("tags: %v", got.Tags)
	}

	v.Title = "t2"
	v.Tags = nil
	if err := cache.Put(ctx, v); err != nil {
		t.Fatalf("Put(update): %v", err)
	}
	got, _ = cache.Get(ctx, "abc")
	if got.Title != "t2" || len(got.Tags) != 0 {
		t.Fatalf("update not applied: %+v", got)
	}
}

func TestVideoCache_ListByUploadTime(t *testing.T) {
	ctx := context.Background()
	cache := NewVideoCache(openTestDB(t).SQL)

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"d0", "d1", "d2", "d3"} {
		if err := cache.Put(ctx, domain.VideoDescriptor{ID: id, State: domain.VideoResolved, UploadTime: base.AddDate(0, 0, i)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, err := cache.ListByUploadTime(ctx, base.AddDate(0, 0, 1), base.AddDate(0, 0, 3), 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].ID != "d2" || got[1].ID != "d1" {
		t.Fatalf("unexpected range: %+v", got)
	}

	got, _ = cache.ListByUploadTime(ctx, base, base.AddDate(1, 0, 0), 1)
	if len(got) != 1 || got[0].ID != "d3" {
		t.Fatalf("limit not applied: %+v", got)
	}
}

func TestKVStore_GetSetWatch(t *testing.T) {
	ctx := context.Background()
	kv := NewKVStore(openTestDB(t).SQL)

	if _, err := kv.Get(ctx, "nope"); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	ch, cancel := kv.Watch("config/")
	defer cancel()

	if err := kv.Set(ctx, "selection/snapshot", []byte(`{}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := kv.Set(ctx, "config/proxy", []byte(`"x"`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := kv.Set(ctx, "config/proxy", []byte(`"y"`)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	b, err := kv.Get(ctx, "config/proxy")
	if err != nil || string(b) != `"y"` {
		t.Fatalf("Get: %q %v", b, err)
	}

	first := <-ch
	if first.Key != "config/proxy" || string(first.Value) != `"x"` || first.Origin != kv.Origin() {
		t.Fatalf("unexpected change: %+v", first)
	}
	second := <-ch
	if string(second.Value) != `"y"` {
		t.Fatalf("unexpected change: %+v", second)
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
}
