package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rewired-gh/geupmae/internal/models"
	"github.com/rewired-gh/geupmae/internal/storage"
	"github.com/rewired-gh/geupmae/internal/storage/storagetest"
)

func newTestStorage(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStorage_Contract(t *testing.T) {
	storagetest.Run(t, newTestStorage)
}

func TestStorage_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "geupmae.db")
	ctx := context.Background()

	s, err := storage.New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l := storagetest.Listing("a-1", 500_000_000, 37.5, 127.0)
	if err := s.InsertListing(ctx, l, nil); err != nil {
		t.Fatalf("InsertListing: %v", err)
	}
	if err := s.SaveScore(ctx, "a-1", models.Score{Value: 55, Type: models.BargainPrice, IsBargain: true}); err != nil {
		t.Fatalf("SaveScore: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = storage.New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.GetListing(ctx, "a-1")
	if err != nil {
		t.Fatalf("GetListing after reopen: %v", err)
	}
	if !got.IsBargain || got.BargainScore != 55 {
		t.Errorf("score lost across reopen: %+v", got)
	}
}

func TestNanosRoundTrip(t *testing.T) {
	if storage.Nanos(storage.FromNanos(0)) != 0 {
		t.Error("zero time must map to 0")
	}
	ts := storagetest.Base
	if !storage.FromNanos(storage.Nanos(ts)).Equal(ts) {
		t.Errorf("round trip changed %v", ts)
	}
}
