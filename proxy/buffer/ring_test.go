package buffer

import (
	"context"
	"errors"
	"testing"
	"time"
)

func makeChunk(seq int64, payload string) *Chunk {
	return &Chunk{
		Sequence:   seq,
		Payload:    []byte(payload),
		ReceivedAt: time.Now(),
	}
}

func TestRing_AppendEvictsOverflow(t *testing.T) {
	ring := NewRing(3, time.Minute)

	for seq := int64(0); seq < 5; seq++ {
		if err := ring.Append(makeChunk(seq, "x")); err != nil {
			t.Fatalf("Append(%d) error: %v", seq, err)
		}
	}

	if got := ring.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	first, last, ok := ring.Bounds()
	if !ok || first != 2 || last != 4 {
		t.Fatalf("Bounds() = (%d, %d, %t), want (2, 4, true)", first, last, ok)
	}
	if ring.Evicted() != 2 {
		t.Fatalf("Evicted() = %d, want 2", ring.Evicted())
	}
}

func TestRing_AppendEvictsExpired(t *testing.T) {
	ring := NewRing(10, 20*time.Millisecond)

	old := makeChunk(0, "old")
	old.ReceivedAt = time.Now().Add(-time.Second)
	if err := ring.Append(old); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if err := ring.Append(makeChunk(1, "new")); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	first, _, ok := ring.Bounds()
	if !ok || first != 1 {
		t.Fatalf("expected expired chunk evicted, first = %d ok = %t", first, ok)
	}
}

func TestRing_SweepExpired(t *testing.T) {
	ring := NewRing(10, 10*time.Millisecond)

	stale := makeChunk(0, "stale")
	stale.ReceivedAt = time.Now().Add(-time.Second)
	if err := ring.Append(stale); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	ring.SweepExpired(time.Now())
	if ring.Len() != 0 {
		t.Fatalf("Len() = %d after sweep, want 0", ring.Len())
	}
}

func TestRing_TryGet(t *testing.T) {
	ring := NewRing(3, time.Minute)
	for seq := int64(0); seq < 5; seq++ {
		ring.Append(makeChunk(seq, "p"))
	}
	// Retained window is now [2, 4].

	tests := []struct {
		name        string
		seq         int64
		wantSeq     int64
		wantSkipped bool
		wantNil     bool
	}{
		{name: "exact hit", seq: 3, wantSeq: 3},
		{name: "evicted catches up to tail", seq: 0, wantSeq: 2, wantSkipped: true},
		{name: "head", seq: 4, wantSeq: 4},
		{name: "ahead of head waits", seq: 5, wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk, skipped, err := ring.TryGet(tt.seq)
			if err != nil {
				t.Fatalf("TryGet(%d) error: %v", tt.seq, err)
			}
			if tt.wantNil {
				if chunk != nil {
					t.Fatalf("TryGet(%d) = seq %d, want nil", tt.seq, chunk.Sequence)
				}
				return
			}
			if chunk == nil {
				t.Fatalf("TryGet(%d) = nil", tt.seq)
			}
			if chunk.Sequence != tt.wantSeq || skipped != tt.wantSkipped {
				t.Fatalf("TryGet(%d) = (seq %d, skipped %t), want (seq %d, skipped %t)",
					tt.seq, chunk.Sequence, skipped, tt.wantSeq, tt.wantSkipped)
			}
		})
	}
}

func TestRing_GetFromBlocksUntilAppend(t *testing.T) {
	ring := NewRing(4, time.Minute)
	ring.Append(makeChunk(0, "a"))

	result := make(chan *Chunk, 1)
	go func() {
		chunk, _, err := ring.GetFrom(context.Background(), 1)
		if err != nil {
			t.Errorf("GetFrom error: %v", err)
		}
		result <- chunk
	}()

	select {
	case <-result:
		t.Fatal("GetFrom returned before the chunk existed")
	case <-time.After(30 * time.Millisecond):
	}

	ring.Append(makeChunk(1, "b"))

	select {
	case chunk := <-result:
		if chunk.Sequence != 1 {
			t.Fatalf("GetFrom returned seq %d, want 1", chunk.Sequence)
		}
	case <-time.After(time.Second):
		t.Fatal("GetFrom never woke up after append")
	}
}

func TestRing_GetFromEnded(t *testing.T) {
	ring := NewRing(4, time.Minute)
	ring.Append(makeChunk(0, "a"))
	ring.Close()

	// The retained chunk is still readable.
	chunk, _, err := ring.GetFrom(context.Background(), 0)
	if err != nil || chunk == nil || chunk.Sequence != 0 {
		t.Fatalf("GetFrom(0) = (%v, %v), want retained chunk", chunk, err)
	}

	// Past the tail the buffer reports the end.
	if _, _, err := ring.GetFrom(context.Background(), 1); !errors.Is(err, ErrEnded) {
		t.Fatalf("GetFrom(1) error = %v, want ErrEnded", err)
	}
}

func TestRing_GetFromContextCancel(t *testing.T) {
	ring := NewRing(4, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, _, err := ring.GetFrom(ctx, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("GetFrom error = %v, want deadline exceeded", err)
	}
}

func TestRing_CloseWakesWaitersAndRejectsAppends(t *testing.T) {
	ring := NewRing(4, time.Minute)

	done := make(chan error, 1)
	go func() {
		_, _, err := ring.GetFrom(context.Background(), 0)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	ring.Close()
	ring.Close() // idempotent

	select {
	case err := <-done:
		if !errors.Is(err, ErrEnded) {
			t.Fatalf("waiter error = %v, want ErrEnded", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake the waiter")
	}

	if err := ring.Append(makeChunk(0, "late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Append after Close error = %v, want ErrClosed", err)
	}
}

func TestRing_SnapshotOrdered(t *testing.T) {
	ring := NewRing(8, time.Minute)
	for seq := int64(0); seq < 5; seq++ {
		ring.Append(makeChunk(seq, "p"))
	}

	snapshot := ring.Snapshot()
	if len(snapshot) != 5 {
		t.Fatalf("Snapshot length = %d, want 5", len(snapshot))
	}
	for i := 1; i < len(snapshot); i++ {
		if snapshot[i].Sequence <= snapshot[i-1].Sequence {
			t.Fatalf("snapshot not strictly increasing at %d", i)
		}
	}
}

func TestRing_EvictionHook(t *testing.T) {
	evicted := 0
	ring := NewRing(2, time.Minute, WithEvictionHook(func(n int) {
		evicted += n
	}))

	for seq := int64(0); seq < 4; seq++ {
		ring.Append(makeChunk(seq, "p"))
	}
	if evicted != 2 {
		t.Fatalf("eviction hook saw %d, want 2", evicted)
	}
}
