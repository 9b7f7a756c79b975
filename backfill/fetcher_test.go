package backfill

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goliatone/go-billing-sync/core"
)

type fakeUpstream struct {
	pages map[int][]map[string]any
	fails map[int][]error

	calls []int
}

func (c *fakeUpstream) FetchPage(_ context.Context, _ string, page int, _ int) ([]map[string]any, error) {
	c.calls = append(c.calls, page)
	if queued := c.fails[page]; len(queued) > 0 {
		err := queued[0]
		c.fails[page] = queued[1:]
		return nil, err
	}
	return c.pages[page], nil
}

type memoryStagingStore struct {
	batches []core.StagingBatch
	nextID  int
}

func (s *memoryStagingStore) AppendPage(_ context.Context, batch core.StagingBatch) (core.StagingBatch, error) {
	for _, existing := range s.batches {
		if existing.RunID == batch.RunID && existing.Page == batch.Page {
			return existing, nil
		}
	}
	s.nextID++
	batch.ID = fmt.Sprintf("batch-%d", s.nextID)
	batch.Status = core.BatchStatusPending
	s.batches = append(s.batches, batch)
	return batch, nil
}

func (s *memoryStagingStore) ClaimBatch(_ context.Context, limit int) ([]core.StagingBatch, error) {
	claimed := make([]core.StagingBatch, 0, limit)
	for index := range s.batches {
		if len(claimed) == limit {
			break
		}
		if s.batches[index].Status != core.BatchStatusPending {
			continue
		}
		s.batches[index].Status = core.BatchStatusProcessing
		claimed = append(claimed, s.batches[index])
	}
	return claimed, nil
}

func (s *memoryStagingStore) MarkDone(_ context.Context, id string) error {
	return s.setStatus(id, core.BatchStatusDone, "")
}

func (s *memoryStagingStore) MarkFailed(_ context.Context, id string, cause error) error {
	return s.setStatus(id, core.BatchStatusPending, cause.Error())
}

func (s *memoryStagingStore) setStatus(id string, status string, message string) error {
	for index := range s.batches {
		if s.batches[index].ID == id {
			s.batches[index].Status = status
			s.batches[index].Error = message
			return nil
		}
	}
	return fmt.Errorf("unknown batch %s", id)
}

type memoryCheckpointStore struct {
	records map[string]core.CheckpointRecord
	saves   int
}

func newMemoryCheckpointStore() *memoryCheckpointStore {
	return &memoryCheckpointStore{records: map[string]core.CheckpointRecord{}}
}

func (s *memoryCheckpointStore) Get(_ context.Context, entity string) (core.CheckpointRecord, bool, error) {
	record, found := s.records[entity]
	return record, found, nil
}

func (s *memoryCheckpointStore) Save(_ context.Context, record core.CheckpointRecord) (core.CheckpointRecord, error) {
	s.saves++
	s.records[record.Entity] = record
	return record, nil
}

func testFetcherConfig() FetcherConfig {
	return FetcherConfig{
		PageSize:       100,
		MaxPages:       50,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		PagePause:      time.Nanosecond,
	}
}

func newTestFetcher(t *testing.T, client core.UpstreamClient, staging core.StagingStore, checkpoints core.CheckpointStore) *Fetcher {
	t.Helper()
	fetcher, err := NewFetcher(client, staging, checkpoints, testFetcherConfig())
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	fetcher.Sleep = func(context.Context, time.Duration) error { return nil }
	return fetcher
}

func pageOf(entity string, count int, offset int) []map[string]any {
	records := make([]map[string]any, count)
	for index := range records {
		records[index] = map[string]any{"id": fmt.Sprintf("%s-%d", entity, offset+index)}
	}
	return records
}

func TestFetcherRunWalksToShortPage(t *testing.T) {
	client := &fakeUpstream{pages: map[int][]map[string]any{
		1: pageOf("customers", 100, 0),
		2: pageOf("customers", 100, 100),
		3: pageOf("customers", 40, 200),
	}}
	staging := &memoryStagingStore{}
	checkpoints := newMemoryCheckpointStore()
	fetcher := newTestFetcher(t, client, staging, checkpoints)

	runStart := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fetcher.Now = func() time.Time { return runStart }

	stats, err := fetcher.Run(context.Background(), core.EntityCustomer)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !stats.Completed || stats.Pages != 3 || stats.Records != 240 || stats.SkippedPages != 0 {
		t.Fatalf("unexpected stats: %s", stats)
	}
	if len(staging.batches) != 3 {
		t.Fatalf("expected three staged pages, got %d", len(staging.batches))
	}
	if len(client.calls) != 3 {
		t.Fatalf("short page must stop the walk, calls: %v", client.calls)
	}

	checkpoint := checkpoints.records[core.EntityCustomer]
	if checkpoint.RunID != "" || checkpoint.LastPage != 0 {
		t.Fatalf("completion must clear the in-flight run marker: %+v", checkpoint)
	}
	if checkpoint.LastSyncAt == nil || !checkpoint.LastSyncAt.Equal(runStart) {
		t.Fatalf("expected low-water mark at run start, got %v", checkpoint.LastSyncAt)
	}
}

func TestFetcherRunEmptyCollection(t *testing.T) {
	client := &fakeUpstream{pages: map[int][]map[string]any{}}
	staging := &memoryStagingStore{}
	checkpoints := newMemoryCheckpointStore()
	fetcher := newTestFetcher(t, client, staging, checkpoints)

	stats, err := fetcher.Run(context.Background(), core.EntityPlan)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !stats.Completed || stats.Pages != 0 || stats.Records != 0 {
		t.Fatalf("unexpected stats: %s", stats)
	}
	if len(staging.batches) != 0 {
		t.Fatalf("empty pages must not be staged")
	}
}

func TestFetcherRunResumesFromCheckpoint(t *testing.T) {
	client := &fakeUpstream{pages: map[int][]map[string]any{
		3: pageOf("invoices", 100, 200),
		4: pageOf("invoices", 10, 300),
	}}
	staging := &memoryStagingStore{}
	checkpoints := newMemoryCheckpointStore()
	checkpoints.records[core.EntityInvoice] = core.CheckpointRecord{
		Entity:   core.EntityInvoice,
		RunID:    "run-7",
		LastPage: 2,
	}
	fetcher := newTestFetcher(t, client, staging, checkpoints)

	stats, err := fetcher.Run(context.Background(), core.EntityInvoice)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.RunID != "run-7" {
		t.Fatalf("expected resumed run id, got %q", stats.RunID)
	}
	if len(client.calls) == 0 || client.calls[0] != 3 {
		t.Fatalf("expected resume at page 3, calls: %v", client.calls)
	}
	if stats.Pages != 2 || stats.Records != 110 {
		t.Fatalf("unexpected stats: %s", stats)
	}
	for _, batch := range staging.batches {
		if batch.RunID != "run-7" {
			t.Fatalf("staged page carries wrong run id: %+v", batch)
		}
	}
}

func TestFetcherRetriesTransientErrors(t *testing.T) {
	client := &fakeUpstream{
		pages: map[int][]map[string]any{1: pageOf("plans", 5, 0)},
		fails: map[int][]error{1: {
			core.TransientUpstreamError("upstream returned 503", nil),
			core.TransientUpstreamError("connection reset", nil),
		}},
	}
	staging := &memoryStagingStore{}
	checkpoints := newMemoryCheckpointStore()
	fetcher := newTestFetcher(t, client, staging, checkpoints)

	sleeps := 0
	fetcher.Sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}

	stats, err := fetcher.Run(context.Background(), core.EntityPlan)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Pages != 1 || stats.SkippedPages != 0 {
		t.Fatalf("unexpected stats: %s", stats)
	}
	if sleeps != 2 {
		t.Fatalf("expected a backoff per transient failure, got %d", sleeps)
	}
}

func TestFetcherSkipsPageAfterExhaustedRetries(t *testing.T) {
	client := &fakeUpstream{
		pages: map[int][]map[string]any{
			1: pageOf("charges", 100, 0),
			3: pageOf("charges", 20, 200),
		},
		fails: map[int][]error{2: {
			core.TransientUpstreamError("upstream returned 502", nil),
			core.TransientUpstreamError("upstream returned 502", nil),
			core.TransientUpstreamError("upstream returned 502", nil),
		}},
	}
	staging := &memoryStagingStore{}
	checkpoints := newMemoryCheckpointStore()
	fetcher := newTestFetcher(t, client, staging, checkpoints)

	stats, err := fetcher.Run(context.Background(), core.EntityCharge)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.SkippedPages != 1 {
		t.Fatalf("expected one skipped page, got %s", stats)
	}
	if !stats.Completed || stats.Pages != 2 || stats.Records != 120 {
		t.Fatalf("run must continue past the gap: %s", stats)
	}
}

func TestFetcherNonTransientErrorSkipsWithoutRetry(t *testing.T) {
	client := &fakeUpstream{
		pages: map[int][]map[string]any{1: pageOf("transfers", 10, 0)},
		fails: map[int][]error{1: {errors.New("401 unauthorized")}},
	}
	staging := &memoryStagingStore{}
	checkpoints := newMemoryCheckpointStore()
	fetcher := newTestFetcher(t, client, staging, checkpoints)

	sleeps := 0
	fetcher.Sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}

	stats, err := fetcher.Run(context.Background(), core.EntityTransfer)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sleeps != 0 {
		t.Fatalf("non-transient errors must not back off, slept %d times", sleeps)
	}
	if stats.SkippedPages != 1 {
		t.Fatalf("unexpected stats: %s", stats)
	}
}

func TestFetcherRejectsUnknownEntity(t *testing.T) {
	fetcher := newTestFetcher(t, &fakeUpstream{}, &memoryStagingStore{}, newMemoryCheckpointStore())
	if _, err := fetcher.Run(context.Background(), "ledger"); err == nil {
		t.Fatalf("expected error for untracked entity")
	}
}

func TestFetcherBackoffIsBounded(t *testing.T) {
	fetcher := newTestFetcher(t, &fakeUpstream{}, &memoryStagingStore{}, newMemoryCheckpointStore())
	if got := fetcher.nextBackoffDelay(1); got != time.Millisecond {
		t.Fatalf("attempt 1: got %v", got)
	}
	if got := fetcher.nextBackoffDelay(2); got != 2*time.Millisecond {
		t.Fatalf("attempt 2: got %v", got)
	}
	if got := fetcher.nextBackoffDelay(10); got != 4*time.Millisecond {
		t.Fatalf("expected cap at max backoff, got %v", got)
	}
}
