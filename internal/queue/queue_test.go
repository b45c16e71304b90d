package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/watzon/herald/internal/config"
	"github.com/watzon/herald/internal/database"
)

const launchPayload = `{"request":"launch post","channels":["linkedin"]}`

func testDB(t *testing.T) *database.DB {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: 5 * time.Second,
	}

	db, err := database.Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testQueue(t *testing.T) (*Queue, *clock) {
	t.Helper()

	c := &clock{t: time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)}
	q := New(testDB(t), Config{MaxAttempts: 3, BaseDelay: time.Second, LeaseDuration: 35 * time.Minute})
	q.now = c.now
	return q, c
}

func enqueue(t *testing.T, q *Queue, executionID string) *Message {
	t.Helper()

	msg := &Message{
		ExecutionID: executionID,
		TenantID:    "tenant-1",
		AssistantID: "assistant-1",
		Payload:     json.RawMessage(launchPayload),
	}
	if err := q.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return msg
}

// claimN claims up to limit messages and fails unless exactly want come back.
func claimN(t *testing.T, q *Queue, worker string, limit, want int) []*Message {
	t.Helper()

	claimed, err := q.Claim(context.Background(), worker, limit)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(claimed) != want {
		t.Fatalf("expected %d claimed messages, got %d", want, len(claimed))
	}
	return claimed
}

func TestQueue_EnqueueAndClaim(t *testing.T) {
	q, _ := testQueue(t)

	msg := enqueue(t, q, "exec-1")
	if msg.ID == "" {
		t.Fatal("expected Enqueue to assign an ID")
	}

	got := claimN(t, q, "worker-a", 10, 1)[0]
	if got.ID != msg.ID || got.ExecutionID != "exec-1" {
		t.Errorf("claimed the wrong message: %+v", got)
	}
	if got.Status != StatusLeased || got.LeasedBy != "worker-a" {
		t.Errorf("expected lease held by worker-a, got %s by %q", got.Status, got.LeasedBy)
	}
	if got.LeaseUntil == nil {
		t.Error("expected a lease deadline")
	}
	if string(got.Payload) != launchPayload {
		t.Errorf("payload changed: %s", got.Payload)
	}

	// A leased message is never handed out twice.
	claimN(t, q, "worker-b", 10, 0)
}

func TestQueue_EnqueueRequiresExecution(t *testing.T) {
	q, _ := testQueue(t)
	if err := q.Enqueue(context.Background(), &Message{TenantID: "tenant-1"}); err == nil {
		t.Error("expected an error for a message without an execution")
	}
}

func TestQueue_ClaimLimit(t *testing.T) {
	q, _ := testQueue(t)

	for _, id := range []string{"exec-1", "exec-2", "exec-3"} {
		enqueue(t, q, id)
	}

	claimN(t, q, "worker-a", 2, 2)
	claimN(t, q, "worker-b", 2, 1)
}

func TestQueue_Ack(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	enqueue(t, q, "exec-1")
	msg := claimN(t, q, "worker-a", 1, 1)[0]

	stranger := *msg
	stranger.LeasedBy = "worker-b"
	if err := q.Ack(ctx, &stranger); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost for a foreign lease, got %v", err)
	}

	if err := q.Ack(ctx, msg); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	if _, err := q.Get(ctx, msg.ID); !database.IsNoRows(err) {
		t.Errorf("expected acked message to be gone, got %v", err)
	}
}

func TestQueue_Backoff(t *testing.T) {
	q, _ := testQueue(t)

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{-1, 1 * time.Second},
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}

	for _, tt := range tests {
		if got := q.Backoff(tt.attempt); got != tt.expected {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestQueue_RetryThenDeadLetter(t *testing.T) {
	q, c := testQueue(t)
	ctx := context.Background()

	enqueue(t, q, "exec-1")

	retry := func(msg *Message, wantDead bool) {
		t.Helper()
		dead, err := q.Retry(ctx, msg, "provider returned 503")
		if err != nil {
			t.Fatalf("Retry failed: %v", err)
		}
		if dead != wantDead {
			t.Fatalf("expected dead=%v after attempt %d, got %v", wantDead, msg.Attempt, dead)
		}
	}

	// First failure: redelivered after BaseDelay.
	msg := claimN(t, q, "worker-a", 1, 1)[0]
	retry(msg, false)
	if msg.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", msg.Attempt)
	}

	claimN(t, q, "worker-a", 1, 0)

	c.advance(time.Second)
	msg = claimN(t, q, "worker-a", 1, 1)[0]
	if msg.Attempt != 1 || msg.LastError != "provider returned 503" {
		t.Errorf("unexpected redelivery: attempt %d, last error %q", msg.Attempt, msg.LastError)
	}

	// Second failure: delay doubles.
	retry(msg, false)

	c.advance(time.Second)
	claimN(t, q, "worker-a", 1, 0)

	c.advance(time.Second)
	msg = claimN(t, q, "worker-a", 1, 1)[0]
	if msg.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", msg.Attempt)
	}

	// Third failure exhausts the budget.
	retry(msg, true)

	if _, err := q.Get(ctx, msg.ID); !database.IsNoRows(err) {
		t.Errorf("expected dead-lettered message to leave the queue, got %v", err)
	}

	letters, err := q.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters failed: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	dl := letters[0]
	if dl.MessageID != msg.ID || dl.ExecutionID != "exec-1" {
		t.Errorf("dead letter points at the wrong message: %+v", dl)
	}
	if dl.Attempts != 3 || dl.LastError != "provider returned 503" {
		t.Errorf("expected 3 attempts ending in 503, got %d %q", dl.Attempts, dl.LastError)
	}
}

func TestQueue_RecoverExpired(t *testing.T) {
	q, c := testQueue(t)
	ctx := context.Background()

	enqueue(t, q, "exec-1")
	claimed := claimN(t, q, "worker-crashed", 1, 1)

	recovered, dead, err := q.RecoverExpired(ctx)
	if err != nil {
		t.Fatalf("RecoverExpired failed: %v", err)
	}
	if recovered != 0 || len(dead) != 0 {
		t.Errorf("live leases must be left alone, recovered %d dead %d", recovered, len(dead))
	}

	c.advance(36 * time.Minute)
	recovered, dead, err = q.RecoverExpired(ctx)
	if err != nil {
		t.Fatalf("RecoverExpired failed: %v", err)
	}
	if recovered != 1 || len(dead) != 0 {
		t.Errorf("expected 1 recovered and none dead, got %d and %d", recovered, len(dead))
	}

	msg, err := q.Get(ctx, claimed[0].ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if msg.Status != StatusRetrying || msg.Attempt != 1 {
		t.Errorf("expected retrying on attempt 1, got %s on %d", msg.Status, msg.Attempt)
	}
	if msg.LeasedBy != "" {
		t.Errorf("expected lease to be cleared, still held by %q", msg.LeasedBy)
	}
}

func TestQueue_RecoverExpiredDeadLetters(t *testing.T) {
	q, c := testQueue(t)
	ctx := context.Background()

	enqueue(t, q, "exec-1")

	for i := 0; i < 2; i++ {
		msg := claimN(t, q, "worker-a", 1, 1)[0]
		if _, err := q.Retry(ctx, msg, "timeout"); err != nil {
			t.Fatalf("Retry failed: %v", err)
		}
		c.advance(time.Minute)
	}

	claimN(t, q, "worker-crashed", 1, 1)

	c.advance(time.Hour)
	recovered, dead, err := q.RecoverExpired(ctx)
	if err != nil {
		t.Fatalf("RecoverExpired failed: %v", err)
	}
	if recovered != 0 {
		t.Errorf("expected nothing recovered, got %d", recovered)
	}
	if len(dead) != 1 || dead[0].ExecutionID != "exec-1" {
		t.Errorf("expected exec-1 to be dead-lettered, got %+v", dead)
	}
}

func TestQueue_Depth(t *testing.T) {
	q, _ := testQueue(t)

	enqueue(t, q, "exec-1")
	enqueue(t, q, "exec-2")
	claimN(t, q, "worker-a", 1, 1)

	depth, err := q.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	want := map[string]int{"pending": 1, "leased": 1, "retrying": 0}
	for status, n := range want {
		if depth[status] != n {
			t.Errorf("expected %d %s, got %d", n, status, depth[status])
		}
	}
}

func TestQueue_EnqueueWithRollsBack(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()
	errAbort := errors.New("abort")

	err := q.db.Transaction(ctx, func(tx *database.Tx) error {
		if err := q.EnqueueWith(ctx, tx, &Message{ExecutionID: "exec-1", TenantID: "tenant-1"}); err != nil {
			t.Fatalf("EnqueueWith failed: %v", err)
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("expected the transaction error back, got %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth["pending"] != 0 {
		t.Errorf("expected rollback to drop the message, %d pending", depth["pending"])
	}
}

func TestQueue_Release(t *testing.T) {
	q, _ := testQueue(t)

	enqueue(t, q, "exec-1")
	msg := claimN(t, q, "worker-a", 1, 1)[0]

	if err := q.Release(context.Background(), msg); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	again := claimN(t, q, "worker-b", 1, 1)[0]
	if again.Attempt != 0 {
		t.Errorf("a release does not spend an attempt, got attempt %d", again.Attempt)
	}
	if again.LeasedBy != "worker-b" {
		t.Errorf("expected worker-b to hold the lease, got %q", again.LeasedBy)
	}
}
