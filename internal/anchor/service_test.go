package anchor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/ledger"
	"AssuredChain/internal/web3"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

func TestSubmitIsIdempotent(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	req := Request{ProjectID: "P1", Step: "design", Digest: testDigest}

	first, err := f.service.Submit(ctx, req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if first.ID != JobID("P1", "design", testDigest) {
		t.Fatalf("job id not deterministic: %s", first.ID)
	}
	req.Digest = "0X" + testDigest[2:]
	req.Step = " DESIGN "
	second, err := f.service.Submit(ctx, req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("resubmission created a new job: %s vs %s", second.ID, first.ID)
	}
	if f.queue.Len() != 1 {
		t.Fatalf("resubmission should not publish again, queue len %d", f.queue.Len())
	}
	if JobID("P1", "charter", testDigest) == first.ID {
		t.Fatal("different step must give a different id")
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, 3)
	cases := []struct {
		name string
		req  Request
		code xerrors.Code
	}{
		{"bad digest", Request{ProjectID: "P1", Step: "design", Digest: "abc"}, CodeValidation},
		{"bad step", Request{ProjectID: "P1", Step: "../x", Digest: testDigest}, CodeValidation},
		{"bad project", Request{ProjectID: "", Step: "design", Digest: testDigest}, CodeValidation},
		{"unknown project", Request{ProjectID: "P9", Step: "design", Digest: testDigest}, xerrors.CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.Submit(context.Background(), tc.req)
			if got := xerrors.CodeOf(err); got != tc.code {
				t.Fatalf("code = %s, want %s (err %v)", got, tc.code, err)
			}
		})
	}
	if f.queue.Len() != 0 {
		t.Fatalf("invalid requests must not be queued")
	}
}

func TestSubmitPublishFailureMarksJobFailed(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, failingProducer{}, 3)
	_, err := svc.Submit(context.Background(), Request{ProjectID: "P1", Step: "design", Digest: testDigest})
	if xerrors.CodeOf(err) != CodePublish {
		t.Fatalf("expected publish error, got %v", err)
	}
	job, getErr := store.Get(context.Background(), JobID("P1", "design", testDigest))
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if job.Status != StatusFailed || job.Terminal() || job.ErrorCode != string(CodePublish) {
		t.Fatalf("publish failure should leave a retryable job: %+v", job)
	}
}

// switchProducer 在 down 为 true 时拒绝投递，否则写入内存队列。
type switchProducer struct {
	down  atomic.Bool
	queue *MemoryQueue
}

func (p *switchProducer) Publish(ctx context.Context, id string) error {
	if p.down.Load() {
		return errors.New("broker down")
	}
	return p.queue.Publish(ctx, id)
}

func (p *switchProducer) Close() error { return p.queue.Close() }

func TestSubmitRepublishesAfterPublishFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &switchProducer{queue: NewMemoryQueue(4)}
	producer.down.Store(true)
	svc := NewService(store, producer, 3)
	req := Request{ProjectID: "P1", Step: "design", Digest: testDigest}

	if _, err := svc.Submit(ctx, req); xerrors.CodeOf(err) != CodePublish {
		t.Fatalf("expected publish error, got %v", err)
	}
	if _, err := svc.Submit(ctx, req); xerrors.CodeOf(err) != CodePublish {
		t.Fatalf("broker still down: expected publish error, got %v", err)
	}

	producer.down.Store(false)
	job, err := svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if producer.queue.Len() != 1 {
		t.Fatalf("resubmit should publish the stranded job once, queue len %d", producer.queue.Len())
	}

	p := NewProcessor(&fakeAnchorer{}, store, producer.queue, producer)
	if err := p.Handle(ctx, <-producer.queue.jobs); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSucceeded || got.Attempts != 1 {
		t.Fatalf("unexpected job after recovery: %+v", got)
	}
}

func TestWaitUntilCompleted(t *testing.T) {
	f := newFixture(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := f.service.Submit(ctx, Request{ProjectID: "P1", Step: "design", Digest: testDigest})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	p := f.processor(&fakeAnchorer{})
	go func() { _ = p.Start(ctx) }()

	done, err := f.service.WaitUntilCompleted(ctx, job.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusSucceeded {
		t.Fatalf("unexpected status %s", done.Status)
	}
}

func TestVerify(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	if err := f.ledger.Save(ctx, ledger.Record{ProjectID: "P1", Step: "design", Digest: testDigest, TxHash: "0x01", CreatedAt: 1}); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	chain := &fakeAnchorer{entries: []web3.LedgerEntry{
		{ID: 0, ContentHash: testDigest, Step: "design"},
		{ID: 1, ContentHash: "0x" + "11" + testDigest[4:], Step: "design"},
	}}

	got, err := NewVerifier(f.ledger, chain).Verify(ctx, testDigest[2:])
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !got.Anchored || len(got.Ledger) != 1 || len(got.OnChain) != 1 || got.OnChain[0].ID != 0 {
		t.Fatalf("unexpected verification: %+v", got)
	}

	chain.entryErr = errors.New("rpc down")
	other := "0x" + "22" + testDigest[4:]
	miss, err := NewVerifier(f.ledger, chain).Verify(ctx, other)
	if err != nil {
		t.Fatalf("verify miss: %v", err)
	}
	if miss.Anchored || miss.ChainError == "" {
		t.Fatalf("expected unanchored with chain error: %+v", miss)
	}

	offline, err := NewVerifier(nil, nil).Verify(ctx, testDigest)
	if err != nil {
		t.Fatalf("verify offline: %v", err)
	}
	if offline.Anchored || offline.ChainError == "" {
		t.Fatalf("unexpected offline verification: %+v", offline)
	}

	if _, err := NewVerifier(nil, nil).Verify(ctx, "nothex"); err == nil {
		t.Fatal("expected invalid digest error")
	}
}
