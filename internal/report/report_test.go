package report

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/xuri/excelize/v2"

	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/manifest"
	"AssuredChain/internal/snapshot"
)

type fixture struct {
	store  *manifest.FileStore
	snaps  *snapshot.Service
	report *Service
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Unix(1700000000, 0)}
	clock := func() time.Time { return f.now }
	store, err := manifest.NewFileStore(t.TempDir(), manifest.WithClock(clock))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if _, err := store.CreateProject("P1", map[string]any{"project_name": "Knockout"}); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	f.store = store
	f.snaps = snapshot.NewService(store, snapshot.WithClock(clock))
	f.report = NewService(store, WithClock(clock), WithConcurrency(2))
	return f
}

func (f *fixture) tick() { f.now = f.now.Add(time.Second) }

func (f *fixture) saveSnapshot(t *testing.T, step string, payload map[string]any) snapshot.Result {
	t.Helper()
	res, err := f.snaps.Save(context.Background(), snapshot.SaveRequest{ProjectID: "P1", Step: step, Author: "alice", Payload: payload})
	if err != nil {
		t.Fatalf("Save(%s) error = %v", step, err)
	}
	f.tick()
	return res
}

func (f *fixture) manifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := f.store.Load("P1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return m
}

func auditActions(m *manifest.Manifest) []string {
	var out []string
	for _, a := range m.Audit {
		out = append(out, a.Action)
	}
	return out
}

func TestSlugifyAndStepFilename(t *testing.T) {
	tests := []struct {
		in, fallback, want string
	}{
		{"Project 42 / KO", "project", "Project-42-KO"},
		{"  --  ", "project", "project"},
		{"", "step", "step"},
		{"seed_bank", "step", "seed-bank"},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in, tt.fallback); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := StepFilename("P 1", "assured-binder", 1700000000, ""); got != "P-1-assured-binder-1700000000.pdf" {
		t.Fatalf("StepFilename() = %q", got)
	}
}

func TestDetectStepAndTimestamp(t *testing.T) {
	steps := map[string]string{
		"design/P1-design-1700000000.pdf":      "design",
		"seed_bank/P1-seed-bank-1.pdf":         "seed_bank",
		"legacy/MasterBank_export.pdf":         "master_bank_registry",
		"binders/P1-assured-binder-1.pdf":      "assured_binder",
		"coa/CoA_X_MB01_1700000000.pdf":        "coa",
		"forms/FormZ.pdf":                      "form_z",
		"unsorted/notes.pdf":                   "misc",
		"screening/Screening_Log_20240101.pdf": "screening",
	}
	for path, want := range steps {
		if got := DetectStep(path); got != want {
			t.Errorf("DetectStep(%q) = %q, want %q", path, got, want)
		}
	}
	if ts, ok := FilenameTimestamp("P1-design-1700000123.pdf"); !ok || ts != 1700000123 {
		t.Fatalf("FilenameTimestamp() = %d, %v", ts, ok)
	}
	if _, ok := FilenameTimestamp("design-123.pdf"); ok {
		t.Fatal("short numbers are not timestamps")
	}
}

func TestRenderSnapshotRegistersReport(t *testing.T) {
	f := newFixture(t)
	snap := f.saveSnapshot(t, "design", map[string]any{"guides": []any{map[string]any{"sequence": "ACGT"}}})

	art, err := f.report.RenderSnapshot(context.Background(), "P1", "design", "")
	if err != nil {
		t.Fatalf("RenderSnapshot() error = %v", err)
	}
	if filepath.Base(art.Path) != "P1-design-1700000001.pdf" || art.Type != "pdf" {
		t.Fatalf("artifact = %+v", art)
	}
	m := f.manifest(t)
	reports := m.Entries(manifest.CategoryReports)
	if len(reports) != 1 || reports[0].Digest != art.Digest || reports[0].Step != "design" {
		t.Fatalf("reports = %+v", reports)
	}
	if diff := cmp.Diff([]string{"snapshot_saved", "report_rendered"}, auditActions(m)); diff != "" {
		t.Fatalf("audit mismatch (-want +got):\n%s", diff)
	}
	if m.Audit[1].Details["snapshot"] != snap.Path {
		t.Fatalf("audit details = %v", m.Audit[1].Details)
	}

	_, err = f.report.RenderSnapshot(context.Background(), "P1", "design", filepath.Join(t.TempDir(), "other.json"))
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("unregistered snapshot: got %v", err)
	}
	_, err = f.report.RenderSnapshot(context.Background(), "P1", "delivery", "")
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("missing step snapshot: got %v", err)
	}
}

func TestSameSecondOutputsDoNotCollide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveSnapshot(t, "design", map[string]any{"guides": []any{}})

	first, err := f.report.RenderSnapshot(ctx, "P1", "design", "")
	if err != nil {
		t.Fatalf("RenderSnapshot() error = %v", err)
	}
	second, err := f.report.RenderSnapshot(ctx, "P1", "design", "")
	if err != nil {
		t.Fatalf("second RenderSnapshot() error = %v", err)
	}
	if filepath.Base(first.Path) != "P1-design-1700000001.pdf" || filepath.Base(second.Path) != "P1-design-1700000001-1.pdf" {
		t.Fatalf("paths = %s, %s", first.Path, second.Path)
	}
	for _, p := range []string{first.Path, second.Path} {
		if info, err := os.Stat(p); err != nil || info.Size() == 0 {
			t.Fatalf("report %s missing or empty: %v", p, err)
		}
	}
	if n := len(f.manifest(t).Entries(manifest.CategoryReports)); n != 2 {
		t.Fatalf("reports = %d, want 2", n)
	}

	b1, err := f.report.Bundle(ctx, "P1")
	if err != nil {
		t.Fatalf("Bundle() error = %v", err)
	}
	b2, err := f.report.Bundle(ctx, "P1")
	if err != nil {
		t.Fatalf("second Bundle() error = %v", err)
	}
	if b1.Path == b2.Path || b2.Filename != "P1-bundle-1700000001-1.zip" {
		t.Fatalf("bundles = %s, %s", b1.Filename, b2.Filename)
	}
	if ts, ok := FilenameTimestamp(b2.Filename); !ok || ts != 1700000001 {
		t.Fatalf("FilenameTimestamp(%s) = %d, %v", b2.Filename, ts, ok)
	}
}

func TestReservePath(t *testing.T) {
	dir := t.TempDir()
	var got []string
	for range 3 {
		p, err := reservePath(dir, "a-1700000000.pdf")
		if err != nil {
			t.Fatalf("reservePath() error = %v", err)
		}
		got = append(got, filepath.Base(p))
	}
	want := []string{"a-1700000000.pdf", "a-1700000000-1.pdf", "a-1700000000-2.pdf"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestEnsureRegistered(t *testing.T) {
	f := newFixture(t)
	dir, _ := f.store.Dir("P1", "reports", "design")
	pdf := filepath.Join(dir, "manual.pdf")
	if err := os.WriteFile(pdf, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatal(err)
	}

	added, err := f.report.EnsureRegistered("P1", "design", pdf, 10)
	if err != nil || !added {
		t.Fatalf("first EnsureRegistered() = %v, %v", added, err)
	}
	added, err = f.report.EnsureRegistered("P1", "design", pdf, 20)
	if err != nil || added {
		t.Fatalf("second EnsureRegistered() = %v, %v", added, err)
	}
	added, err = f.report.EnsureRegistered("P1", "design", filepath.Join(dir, "missing.pdf"), 0)
	if err != nil || added {
		t.Fatalf("missing file EnsureRegistered() = %v, %v", added, err)
	}
	if n := len(f.manifest(t).Entries(manifest.CategoryReports)); n != 1 {
		t.Fatalf("expected one report entry, got %d", n)
	}
}

func TestOrderPDFEntries(t *testing.T) {
	in := []manifest.FileEntry{
		{Step: "misc", Path: "m", Timestamp: 5},
		{Step: "design", Path: "d2", Timestamp: 9},
		{Step: "charter", Path: "c", Timestamp: 20},
		{Step: "design", Path: "d1", Timestamp: 3},
		{Step: "summary", Path: "s", Timestamp: 1, Type: "docx"},
		{Path: "untyped", Timestamp: 4},
	}
	var got []string
	for _, e := range orderPDFEntries(in) {
		got = append(got, e.Path)
	}
	if diff := cmp.Diff([]string{"c", "d1", "d2", "untyped", "m"}, got); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildBinder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.report.BuildBinder(ctx, "P1")
	if xerrors.CodeOf(err) != CodeNoCandidates {
		t.Fatalf("expected no candidates, got %v", err)
	}

	f.saveSnapshot(t, "charter", map[string]any{"objective": "KO"})
	f.saveSnapshot(t, "design", map[string]any{"guides": []any{"ACGT"}})
	for _, step := range []string{"design", "charter"} {
		if _, err := f.report.RenderSnapshot(ctx, "P1", step, ""); err != nil {
			t.Fatalf("RenderSnapshot(%s) error = %v", step, err)
		}
		f.tick()
	}
	dir, _ := f.store.Dir("P1", "reports", "delivery")
	junk := filepath.Join(dir, "broken.pdf")
	if err := os.WriteFile(junk, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := f.report.EnsureRegistered("P1", "delivery", junk, 1); err != nil {
		t.Fatal(err)
	}

	res, err := f.report.BuildBinder(ctx, "P1")
	if err != nil {
		t.Fatalf("BuildBinder() error = %v", err)
	}
	if res.Status != BinderOK || res.IncludedCount != 2 {
		t.Fatalf("result = %+v", res)
	}
	if diff := cmp.Diff([]string{"broken.pdf"}, res.Skipped); diff != "" {
		t.Fatalf("skipped mismatch (-want +got):\n%s", diff)
	}
	if filepath.Base(filepath.Dir(res.Binder.Path)) != "binders" {
		t.Fatalf("binder path = %s", res.Binder.Path)
	}
	var binder *manifest.FileEntry
	for _, e := range f.manifest(t).Entries(manifest.CategoryReports) {
		if e.Step == "assured_binder" {
			e := e
			binder = &e
		}
	}
	if binder == nil || binder.IncludedCount != 2 || binder.Type != "pdf" {
		t.Fatalf("binder entry = %+v", binder)
	}

	again, err := f.report.BuildBinder(ctx, "P1")
	if err != nil || again.IncludedCount != 2 {
		t.Fatalf("binder must not include previous binders: %+v, %v", again, err)
	}
}

func TestBuildBinderNoneValid(t *testing.T) {
	f := newFixture(t)
	dir, _ := f.store.Dir("P1", "reports", "design")
	junk := filepath.Join(dir, "broken.pdf")
	if err := os.WriteFile(junk, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := f.report.EnsureRegistered("P1", "design", junk, 1); err != nil {
		t.Fatal(err)
	}
	res, err := f.report.BuildBinder(context.Background(), "P1")
	if xerrors.CodeOf(err) != CodeNoneValid || res.Status != BinderNoneValid || len(res.Skipped) != 1 {
		t.Fatalf("BuildBinder() = %+v, %v", res, err)
	}
}

func TestBundle(t *testing.T) {
	f := newFixture(t)
	snap := f.saveSnapshot(t, "charter", map[string]any{"objective": "KO", "owner": "alice"})

	res, err := f.report.Bundle(context.Background(), "P1")
	if err != nil {
		t.Fatalf("Bundle() error = %v", err)
	}
	if res.Filename != "P1-bundle-1700000001.zip" || res.Summary.Counts["snapshots"] != 1 {
		t.Fatalf("result = %+v", res)
	}
	zr, err := zip.OpenReader(res.Path)
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer zr.Close()
	var names []string
	for _, file := range zr.File {
		names = append(names, file.Name)
	}
	sort.Strings(names)
	rel, _ := filepath.Rel(f.store.ProjectDir("P1"), snap.Path)
	want := []string{"bundle_summary.json", "manifest.json", filepath.ToSlash(rel)}
	sort.Strings(want)
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("zip entries mismatch (-want +got):\n%s", diff)
	}
	exports := f.manifest(t).Entries(manifest.CategoryExports)
	if len(exports) != 1 || exports[0].Label != "bundle" || exports[0].Digest != res.Digest {
		t.Fatalf("exports = %+v", exports)
	}
}

func TestWorkbookAndSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveSnapshot(t, "charter", map[string]any{"objective": "KO", "owner": "alice"})
	f.saveSnapshot(t, "seed_bank", map[string]any{"clones": []any{map[string]any{"id": "C1"}}})

	art, err := f.report.Workbook(ctx, "P1")
	if err != nil {
		t.Fatalf("Workbook() error = %v", err)
	}
	book, err := excelize.OpenFile(art.Path)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer book.Close()
	want := []string{"Meta", "Files", "Chain", "Audit", "Project Charter", "Seed Bank"}
	if diff := cmp.Diff(want, book.GetSheetList()); diff != "" {
		t.Fatalf("sheets mismatch (-want +got):\n%s", diff)
	}

	doc, err := f.report.SummaryDocument(ctx, "P1")
	if err != nil {
		t.Fatalf("SummaryDocument() error = %v", err)
	}
	if doc.Type != "docx" {
		t.Fatalf("summary artifact = %+v", doc)
	}
	zr, err := zip.OpenReader(doc.Path)
	if err != nil {
		t.Fatalf("summary is not a zip package: %v", err)
	}
	zr.Close()

	actions := auditActions(f.manifest(t))
	if diff := cmp.Diff([]string{"snapshot_saved", "snapshot_saved", "workbook_generated", "summary_generated"}, actions); diff != "" {
		t.Fatalf("audit mismatch (-want +got):\n%s", diff)
	}
}

func TestCertificate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.report.Certificate(ctx, "P1", CertificateRequest{CellLine: "BIHi005-A"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}

	res, err := f.report.Certificate(ctx, "P1", CertificateRequest{CellLine: "BIHi005-A 99", BankID: "MB01", Edited: true})
	if err != nil {
		t.Fatalf("Certificate() error = %v", err)
	}
	if filepath.Base(res.Document.Path) != "CoA_BIHi005-A_99_MB01_1700000000.docx" {
		t.Fatalf("document = %s", res.Document.Path)
	}
	payload, err := snapshot.ReadPayload(res.Snapshot)
	if err != nil {
		t.Fatal(err)
	}
	if payload["type"] != "CoA" || payload["freezing_method"] != "Bambanker" {
		t.Fatalf("snapshot payload = %v", payload)
	}

	m := f.manifest(t)
	var types []string
	for _, e := range m.Entries(manifest.CategoryReports) {
		if e.Step == "coa" {
			types = append(types, e.Type)
		}
	}
	if diff := cmp.Diff([]string{"docx", "pdf"}, types); diff != "" {
		t.Fatalf("coa reports mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"snapshot_saved", "coa_generated"}, auditActions(m)); diff != "" {
		t.Fatalf("audit mismatch (-want +got):\n%s", diff)
	}
}

func TestRepair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	designDir, _ := f.store.Dir("P1", "reports", "design")
	otherDir, _ := f.store.Dir("P1", "reports", "old")
	orphanA := filepath.Join(designDir, "P1-design-1690000000.pdf")
	orphanB := filepath.Join(otherDir, "scan.PDF")
	for _, p := range []string{orphanA, orphanB} {
		if err := os.WriteFile(p, []byte("%PDF-1.4"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mtime := time.Unix(1680000000, 0)
	if err := os.Chtimes(orphanB, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	dry, err := f.report.Repair(ctx, "P1", true)
	if err != nil {
		t.Fatalf("Repair(dry) error = %v", err)
	}
	want := []RepairedFile{
		{Step: "design", Path: orphanA, Timestamp: 1690000000},
		{Step: "misc", Path: orphanB, Timestamp: 1680000000},
	}
	if dry.Status != RepairDryRun || dry.Added != 2 {
		t.Fatalf("dry run = %+v", dry)
	}
	opt := cmp.FilterPath(func(p cmp.Path) bool { return p.Last().String() == ".Digest" }, cmp.Ignore())
	if diff := cmp.Diff(want, dry.Files, opt); diff != "" {
		t.Fatalf("files mismatch (-want +got):\n%s", diff)
	}
	if n := len(f.manifest(t).Entries(manifest.CategoryReports)); n != 0 {
		t.Fatalf("dry run changed manifest: %d entries", n)
	}

	res, err := f.report.Repair(ctx, "P1", false)
	if err != nil || res.Status != RepairRepaired || res.Added != 2 {
		t.Fatalf("Repair() = %+v, %v", res, err)
	}
	clean, err := f.report.Repair(ctx, "P1", false)
	if err != nil || clean.Status != RepairClean {
		t.Fatalf("second Repair() = %+v, %v", clean, err)
	}
}

func TestAppendOrphansSkipsAlreadyRegistered(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "P1-design-1690000000.pdf")
	b := filepath.Join(dir, "scan.pdf")
	m := manifest.Default()
	m.Files[manifest.CategoryReports] = append(m.Files[manifest.CategoryReports],
		manifest.FileEntry{Step: "design", Path: a, Type: "pdf"})

	orphans := []RepairedFile{
		{Step: "design", Path: a, Timestamp: 1690000000},
		{Step: "misc", Path: b, Timestamp: 1680000000},
		{Step: "misc", Path: b, Timestamp: 1680000000},
	}
	added := appendOrphans(m, orphans)
	if diff := cmp.Diff(orphans[1:2], added); diff != "" {
		t.Fatalf("added mismatch (-want +got):\n%s", diff)
	}
	if n := len(m.Entries(manifest.CategoryReports)); n != 2 {
		t.Fatalf("reports = %d, want 2", n)
	}
}

func TestProgress(t *testing.T) {
	f := newFixture(t)
	f.saveSnapshot(t, "charter", map[string]any{"objective": "KO"})
	f.saveSnapshot(t, "design", map[string]any{})

	p, err := f.report.Progress("P1")
	if err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	if diff := cmp.Diff([]string{"charter", "design"}, p.Present); diff != "" {
		t.Fatalf("present mismatch (-want +got):\n%s", diff)
	}
	if len(p.Missing) != 6 || p.Completion != 0.25 {
		t.Fatalf("progress = %+v", p)
	}
	if _, err := f.report.Progress("nope"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
