package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestJobRepoInsertAndClaimBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j, err := s.Jobs().Insert(ctx, JobPrepareEnvironment, EnvironmentPayload{EnvironmentID: "env-1"}, nil)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if j.Status != JobPending || j.Attempt != 0 {
		t.Fatalf("Insert() got = %#v", j)
	}

	claimed, err := s.Jobs().ClaimBatch(ctx, 10, 30)
	if err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != j.ID {
		t.Fatalf("ClaimBatch() got = %#v", claimed)
	}
	if claimed[0].Status != JobRunning || claimed[0].Attempt != 1 {
		t.Fatalf("ClaimBatch() claimed job = %#v", claimed[0])
	}
	if claimed[0].LeaseExpiresAt == nil {
		t.Fatal("ClaimBatch() did not set a lease")
	}

	again, err := s.Jobs().ClaimBatch(ctx, 10, 30)
	if err != nil {
		t.Fatalf("second ClaimBatch() error = %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second ClaimBatch() got = %#v, want none (lease still live)", again)
	}
}

func TestJobRepoDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := "prepare:env-1"

	first, err := s.Jobs().Insert(ctx, JobPrepareEnvironment, EnvironmentPayload{EnvironmentID: "env-1"}, &key)
	if err != nil {
		t.Fatalf("first Insert() error = %v", err)
	}

	second, err := s.Jobs().Insert(ctx, JobPrepareEnvironment, EnvironmentPayload{EnvironmentID: "env-1"}, &key)
	if err != nil {
		t.Fatalf("second Insert() error = %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second Insert() id = %s, want the existing job's id %s", second.ID, first.ID)
	}

	if err := s.Jobs().MarkComplete(ctx, first.ID); err != nil {
		t.Fatalf("MarkComplete() error = %v", err)
	}

	third, err := s.Jobs().Insert(ctx, JobPrepareEnvironment, EnvironmentPayload{EnvironmentID: "env-1"}, &key)
	if err != nil {
		t.Fatalf("third Insert() error = %v", err)
	}
	if third.ID == first.ID {
		t.Fatal("third Insert() reused a completed job's dedupe key slot instead of creating a new one")
	}
}

func TestJobRepoRequeueMakesJobClaimableAfterDelay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j, err := s.Jobs().Insert(ctx, JobRunTask, TaskPayload{TaskID: "t1", EnvironmentID: "e1"}, nil)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	claimed, err := s.Jobs().ClaimBatch(ctx, 10, 30)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimBatch() = %#v, %v", claimed, err)
	}

	if err := s.Jobs().Requeue(ctx, j.ID, "transient failure", 0); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}

	got, err := s.Jobs().Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != JobPending {
		t.Fatalf("Get() status = %s, want pending", got.Status)
	}
	if got.LastError == nil || *got.LastError != "transient failure" {
		t.Fatalf("Get() last_error = %v, want set", got.LastError)
	}

	reclaimed, err := s.Jobs().ClaimBatch(ctx, 10, 30)
	if err != nil {
		t.Fatalf("reclaim ClaimBatch() error = %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].Attempt != 2 {
		t.Fatalf("reclaim ClaimBatch() got = %#v", reclaimed)
	}
}

func TestJobRepoMarkFailedIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j, err := s.Jobs().Insert(ctx, JobRemoveTask, TaskPayload{TaskID: "t1", EnvironmentID: "e1"}, nil)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if _, err := s.Jobs().ClaimBatch(ctx, 10, 30); err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}

	if err := s.Jobs().MarkFailed(ctx, j.ID, "boom"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	got, err := s.Jobs().Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != JobFailed {
		t.Fatalf("Get() status = %s, want failed", got.Status)
	}
	if got.DedupeKey != nil {
		t.Fatal("Get() dedupe_key not cleared on terminal failure")
	}

	ok, err := s.Jobs().RefreshLease(ctx, j.ID, 30)
	if err != nil {
		t.Fatalf("RefreshLease() error = %v", err)
	}
	if ok {
		t.Fatal("RefreshLease() extended the lease of a failed job")
	}
}

func TestJobRepoClaimBatchReclaimsExpiredLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j, err := s.Jobs().Insert(ctx, JobRunTask, TaskPayload{TaskID: "t1", EnvironmentID: "e1"}, nil)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if _, err := s.Jobs().ClaimBatch(ctx, 10, 30); err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}

	// Simulate a crashed worker: force the lease into the past directly.
	past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	if _, err := s.SQL().ExecContext(ctx, `UPDATE jobs SET lease_expires_at = ? WHERE id = ?`, past, j.ID); err != nil {
		t.Fatalf("force-expire lease error = %v", err)
	}

	reclaimed, err := s.Jobs().ClaimBatch(ctx, 10, 30)
	if err != nil {
		t.Fatalf("ClaimBatch() after expiry error = %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != j.ID {
		t.Fatalf("ClaimBatch() after expiry got = %#v", reclaimed)
	}
	if reclaimed[0].Attempt != 2 {
		t.Fatalf("ClaimBatch() after expiry attempt = %d, want 2", reclaimed[0].Attempt)
	}
}

func TestJobRepoGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Jobs().Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}
