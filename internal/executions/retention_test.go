package executions

import (
	"context"
	"testing"
	"time"
)

func TestJanitor_Sweep(t *testing.T) {
	store := NewStore(testDBExec(t))
	ctx := context.Background()

	store.now = func() time.Time { return time.Now().Add(-72 * time.Hour) }
	old := newRecord()
	mustCreate(t, store, old)
	if err := store.Cancel(ctx, old.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	store.now = time.Now

	janitor := NewJanitor(store, 48*time.Hour, time.Hour)

	deleted, err := janitor.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}

	deleted, err = janitor.Sweep(ctx)
	if err != nil {
		t.Fatalf("second Sweep failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("expected nothing left to delete, got %d", deleted)
	}
}

func TestJanitor_Defaults(t *testing.T) {
	j := NewJanitor(nil, 0, 0)
	if j.maxAge != 30*24*time.Hour {
		t.Errorf("expected 30 day retention, got %v", j.maxAge)
	}
	if j.interval != time.Hour {
		t.Errorf("expected hourly sweep, got %v", j.interval)
	}
}

func TestJanitor_StartStop(t *testing.T) {
	store := NewStore(testDBExec(t))
	j := NewJanitor(store, time.Hour, 10*time.Millisecond)

	j.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	j.Stop()
}
