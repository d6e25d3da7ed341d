package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/manifest"
)

func newService(t *testing.T, now time.Time) (*Service, *manifest.FileStore) {
	t.Helper()
	clock := func() time.Time { return now }
	store, err := manifest.NewFileStore(t.TempDir(), manifest.WithClock(clock))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	return NewService(store, WithClock(clock)), store
}

func TestSaveWritesRegistersAndEvaluates(t *testing.T) {
	svc, store := newService(t, time.Unix(1700000100, 0))
	res, err := svc.Save(context.Background(), SaveRequest{
		ProjectID:   "P1",
		Step:        "charter",
		Author:      "alice",
		Payload:     map[string]any{"objective": "KO", "owner": "alice"},
		MetaUpdates: map[string]any{"owner": "alice"},
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if !res.Readiness.Ready || len(res.Readiness.Warnings) != 1 {
		t.Fatalf("unexpected readiness %+v", res.Readiness)
	}
	wantName := regexp.MustCompile(`^P1_1700000100_[0-9a-f]{12}\.json$`)
	if !wantName.MatchString(filepath.Base(res.Path)) {
		t.Fatalf("unexpected file name %s", res.Path)
	}
	if filepath.Base(filepath.Dir(res.Path)) != "charter" {
		t.Fatalf("snapshot not under step dir: %s", res.Path)
	}
	onDisk, err := Digest(res.Path)
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	if onDisk != res.Digest {
		t.Fatalf("digest mismatch %s != %s", onDisk, res.Digest)
	}
	if !strings.HasPrefix(res.MetadataURI, "file://") {
		t.Fatalf("metadata uri = %s", res.MetadataURI)
	}

	m, err := store.Load("P1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	snaps := m.Entries(manifest.CategorySnapshots)
	if len(snaps) != 1 || snaps[0].Digest != res.Digest || snaps[0].Timestamp != 1700000100 {
		t.Fatalf("snapshot entry = %+v", snaps)
	}
	if m.Meta["owner"] != "alice" {
		t.Fatalf("meta not merged: %v", m.Meta)
	}
	if len(m.Audit) != 1 || m.Audit[0].Action != "snapshot_saved" || m.Audit[0].Actor != "alice" {
		t.Fatalf("audit = %+v", m.Audit)
	}

	entry, payload, err := svc.Latest("P1", "charter")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if entry.Path != res.Path || payload["project_id"] != "P1" || payload["timestamp_unix"] != float64(1700000100) {
		t.Fatalf("Latest() = %+v %v", entry, payload)
	}
}

func TestSaveRejectsBadStep(t *testing.T) {
	svc, _ := newService(t, time.Unix(1, 0))
	_, err := svc.Save(context.Background(), SaveRequest{ProjectID: "P1", Step: "../x"})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestLatestMissing(t *testing.T) {
	svc, _ := newService(t, time.Unix(1, 0))
	_, _, err := svc.Latest("P1", "design")
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLatestEntryPrefersNewestThenLast(t *testing.T) {
	entries := []manifest.FileEntry{
		{Step: "design", Path: "a", Timestamp: 10},
		{Step: "design", Path: "b", Timestamp: 30},
		{Step: "delivery", Path: "c", Timestamp: 40},
		{Step: "design", Path: "d", Timestamp: 30},
	}
	got, ok := LatestEntry(entries, "design")
	if !ok || got.Path != "d" {
		t.Fatalf("LatestEntry() = %+v, %v", got, ok)
	}
	steps := StepsWithEntries(entries)
	if len(steps) != 2 || steps[0] != "design" || steps[1] != "delivery" {
		t.Fatalf("StepsWithEntries() = %v", steps)
	}
}

func TestSaveUpload(t *testing.T) {
	svc, store := newService(t, time.UnixMilli(1700000000123))
	up, err := svc.SaveUpload(context.Background(), "P1", "design", "C:\\lab\\crispor export.CSV", strings.NewReader("a,b\n"))
	if err != nil {
		t.Fatalf("SaveUpload() error = %v", err)
	}
	if up.Filename != "crispor export.CSV" {
		t.Fatalf("filename = %q", up.Filename)
	}
	if !regexp.MustCompile(`^1700000000123_[0-9a-f]{10}\.CSV$`).MatchString(filepath.Base(up.StoredAs)) {
		t.Fatalf("stored as %s", up.StoredAs)
	}
	data, err := os.ReadFile(up.StoredAs)
	if err != nil || string(data) != "a,b\n" {
		t.Fatalf("content = %q, %v", data, err)
	}
	m, _ := store.Load("P1")
	uploads := m.Entries(manifest.CategoryUploads)
	if len(uploads) != 1 || uploads[0].StoredAs != up.StoredAs || uploads[0].Digest != up.Digest {
		t.Fatalf("uploads = %+v", uploads)
	}
}

func TestUploadNameDropsLongExtension(t *testing.T) {
	name := UploadName("archive.verylongextension", time.UnixMilli(5))
	if !regexp.MustCompile(`^5_[0-9a-f]{10}$`).MatchString(name) {
		t.Fatalf("UploadName() = %s", name)
	}
}
