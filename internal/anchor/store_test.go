package anchor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"AssuredChain/internal/config"
)

func newJob(id, project string, status Status) *Job {
	return &Job{
		ID:         id,
		ProjectID:  project,
		Step:       "design",
		Digest:     "0x" + id,
		Status:     status,
		MaxRetries: 2,
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	for _, job := range []*Job{
		newJob("j1", "P1", StatusPending),
		newJob("j2", "P1", StatusPending),
		newJob("j3", "P2", StatusPending),
	} {
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("create %s: %v", job.ID, err)
		}
	}
	if err := store.Create(ctx, newJob("j1", "P1", StatusPending)); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("duplicate create: want conflict, got %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("get missing: want not found, got %v", err)
	}

	// j1: 领取并成功。
	claimed, err := store.Claim(ctx, "j1")
	if err != nil {
		t.Fatalf("claim j1: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed job: %+v", claimed)
	}
	if _, err := store.Claim(ctx, "j1"); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("claim running: want conflict, got %v", err)
	}
	want := Result{TxHash: "0xabc", Contract: "0xC0", ChainID: "1337", EntryID: "4", BlockNumber: 9, Timestamp: 1700000000, ProofPath: "/p.json"}
	if err := store.MarkSucceeded(ctx, "j1", want); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	got, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get j1: %v", err)
	}
	if got.Result == nil {
		t.Fatal("expected result on succeeded job")
	}
	if diff := cmp.Diff(want, *got.Result); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	if !got.Terminal() {
		t.Fatal("succeeded job should be terminal")
	}
	if _, err := store.Claim(ctx, "j1"); !errors.Is(err, ErrJobCompleted) {
		t.Fatalf("claim succeeded: want completed, got %v", err)
	}

	// j2: 可重试失败后再次领取，随后终态失败。
	if _, err := store.Claim(ctx, "j2"); err != nil {
		t.Fatalf("claim j2: %v", err)
	}
	if err := store.MarkFailed(ctx, "j2", "CHAIN_FAILURE", "rpc down", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	retry, err := store.Claim(ctx, "j2")
	if err != nil {
		t.Fatalf("reclaim j2: %v", err)
	}
	if retry.Attempts != 2 || retry.LastError != "" {
		t.Fatalf("reclaim should bump attempts and clear error: %+v", retry)
	}
	if err := store.MarkFailed(ctx, "j2", "CHAIN_FAILURE", "rpc down again", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "j2"); !errors.Is(err, ErrJobExhausted) {
		t.Fatalf("claim exhausted: want exhausted, got %v", err)
	}

	// j3: 不可重试失败直接终态。
	if _, err := store.Claim(ctx, "j3"); err != nil {
		t.Fatalf("claim j3: %v", err)
	}
	if err := store.MarkFailed(ctx, "j3", "CHAIN_NOT_CONFIGURED", "no rpc", true); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}
	j3, err := store.Get(ctx, "j3")
	if err != nil {
		t.Fatalf("get j3: %v", err)
	}
	if !j3.Terminal() || j3.ErrorCode != "CHAIN_NOT_CONFIGURED" || j3.LastError != "no rpc" {
		t.Fatalf("unexpected terminal job: %+v", j3)
	}
	if err := store.MarkFailed(ctx, "missing", "X", "x", true); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("mark missing: want not found, got %v", err)
	}

	all, err := store.List(ctx, buildListOptions(nil))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(all))
	}

	p1, err := store.List(ctx, buildListOptions([]ListOption{WithProject("P1"), WithSortOrder(SortByUpdatedAsc)}))
	if err != nil {
		t.Fatalf("list P1: %v", err)
	}
	if len(p1) != 2 {
		t.Fatalf("expected 2 jobs for P1, got %d", len(p1))
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var ids []string
	for _, j := range failed {
		ids = append(ids, j.ID)
	}
	if len(ids) != 2 {
		t.Fatalf("expected j2 and j3 failed, got %v", ids)
	}

	byTx, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("0xabc")}))
	if err != nil {
		t.Fatalf("list by query: %v", err)
	}
	if len(byTx) != 1 || byTx[0].ID != "j1" {
		t.Fatalf("query by tx hash: %+v", byTx)
	}

	paged, err := store.List(ctx, buildListOptions([]ListOption{WithLimit(1), WithOffset(5)}))
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged) != 0 {
		t.Fatalf("offset past end should be empty, got %d", len(paged))
	}

	stats, err := store.Stats(ctx, buildListOptions(nil))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Succeeded != 1 || stats.Failed != 2 || stats.Pending != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestUpdatedAt == 0 || stats.NewestUpdatedAt < stats.OldestUpdatedAt {
		t.Fatalf("unexpected stats range: %+v", stats)
	}
	empty, err := store.Stats(ctx, buildListOptions([]ListOption{WithProject("nobody")}))
	if err != nil {
		t.Fatalf("empty stats: %v", err)
	}
	if empty != (Stats{}) {
		t.Fatalf("expected zero stats, got %+v", empty)
	}
}

// exerciseLease 覆盖进程崩溃后遗留的 running 任务与已广播交易的记录。
func exerciseLease(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	for _, job := range []*Job{newJob("r1", "P1", StatusPending), newJob("r2", "P1", StatusPending)} {
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("create %s: %v", job.ID, err)
		}
	}
	if _, err := store.Claim(ctx, "r1"); err != nil {
		t.Fatalf("claim r1: %v", err)
	}
	if err := store.RecordTx(ctx, "r1", "0xfeed"); err != nil {
		t.Fatalf("record tx: %v", err)
	}
	if err := store.RecordTx(ctx, "missing", "0x1"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("record tx on missing job: want not found, got %v", err)
	}

	n, err := store.Reclaim(ctx, time.Now().Add(-time.Hour).Unix())
	if err != nil {
		t.Fatalf("reclaim fresh: %v", err)
	}
	if n != 0 {
		t.Fatalf("fresh running job must not be reclaimed, got %d", n)
	}
	n, err = store.Reclaim(ctx, time.Now().Add(time.Hour).Unix())
	if err != nil {
		t.Fatalf("reclaim stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed job, got %d", n)
	}

	r1, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get r1: %v", err)
	}
	if r1.Status != StatusFailed || r1.ErrorCode != string(CodeProcessing) || r1.Terminal() {
		t.Fatalf("reclaimed job should be failed and retryable: %+v", r1)
	}
	again, err := store.Claim(ctx, "r1")
	if err != nil {
		t.Fatalf("claim reclaimed job: %v", err)
	}
	if tx, ok := again.PendingTx(); !ok || tx != "0xfeed" {
		t.Fatalf("pending tx lost across claim: %q %v", tx, ok)
	}
	r2, err := store.Get(ctx, "r2")
	if err != nil {
		t.Fatalf("get r2: %v", err)
	}
	if r2.Status != StatusPending {
		t.Fatalf("pending job must be untouched, got %s", r2.Status)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
	exerciseLease(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "anchor.db")
	store, err := OpenStore(context.Background(), config.AnchorStoreConfig{Driver: "sqlite", DSN: dsn}, config.PoolConfig{})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()
	exerciseStore(t, store)
}

func TestSQLiteStoreLease(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "anchor.db")
	store, err := OpenStore(context.Background(), config.AnchorStoreConfig{Driver: "sqlite", DSN: dsn}, config.PoolConfig{})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()
	exerciseLease(t, store)
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	if _, err := OpenStore(context.Background(), config.AnchorStoreConfig{Driver: "etcd"}, config.PoolConfig{}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestParseStatuses(t *testing.T) {
	got := ParseStatuses(" failed,PENDING,bogus,failed")
	want := []Status{StatusFailed, StatusPending}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ParseStatuses mismatch (-want +got):\n%s", diff)
	}
	if ParseStatuses("") != nil {
		t.Fatal("empty input should yield nil")
	}
}
