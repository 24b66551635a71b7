package directory

import (
	"context"
	"testing"
	"time"
)

func TestStoreSaveLoadAllRoundTrips(t *testing.T) {
	store, err := NewStore(StoreConfig{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	rec, _ := newSignedRecord(t, KindSwapPool, "pool-1", time.Hour)
	if err := store.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	recs, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("len(recs) = %d, want 1", len(recs))
	}
	if recs[0].ID != rec.ID || recs[0].Kind != rec.Kind {
		t.Fatalf("loaded record mismatch: %+v", recs[0])
	}
	if err := recs[0].Verify(); err != nil {
		t.Fatalf("loaded record fails verify: %v", err)
	}
}

func TestStoreLoadAllDropsExpiredRecords(t *testing.T) {
	store, err := NewStore(StoreConfig{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	expired, _ := newSignedRecord(t, KindSigner, "signer-expired", -time.Hour)
	if err := store.Save(expired); err != nil {
		t.Fatalf("Save: %v", err)
	}

	recs, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("len(recs) = %d, want 0 (expired dropped)", len(recs))
	}
}

func TestStoreDeleteRemovesRecord(t *testing.T) {
	store, err := NewStore(StoreConfig{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	rec, _ := newSignedRecord(t, KindMusigSession, "session-1", time.Hour)
	if err := store.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Delete(rec.Kind, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	recs, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("len(recs) = %d, want 0 after delete", len(recs))
	}
}

func TestDirectoryAttachStoreHydratesCache(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(StoreConfig{DataDir: dir})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	rec, _ := newSignedRecord(t, KindSwapPool, "pool-hydrate", time.Hour)
	if err := store.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	store.Close()

	store2, err := NewStore(StoreConfig{DataDir: dir})
	if err != nil {
		t.Fatalf("NewStore (reopen): %v", err)
	}
	defer store2.Close()

	d := New(DefaultConfig(), nil)
	if err := d.AttachStore(store2); err != nil {
		t.Fatalf("AttachStore: %v", err)
	}

	got, err := d.Get(context.Background(), KindSwapPool, "pool-hydrate")
	if err != nil {
		t.Fatalf("Get after hydration: %v", err)
	}
	if got.ID != rec.ID {
		t.Fatalf("got ID %q, want %q", got.ID, rec.ID)
	}
}

func TestDirectoryPublishPersistsToStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(StoreConfig{DataDir: dir})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	d := New(DefaultConfig(), nil)
	if err := d.AttachStore(store); err != nil {
		t.Fatalf("AttachStore: %v", err)
	}

	rec, _ := newSignedRecord(t, KindSigningRequest, "req-persist", time.Hour)
	if err := d.Publish(context.Background(), rec); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	recs, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != rec.ID {
		t.Fatalf("store did not persist published record: %+v", recs)
	}
}
