package fanout_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"EventLottery/internal/fanout"
	"EventLottery/internal/lottery"
	"EventLottery/internal/model"
	"EventLottery/internal/store"
)

type fakeApplier struct {
	chunks   []store.Chunk
	failAt   int // 1-based chunk index to fail on, 0 = never
	applyErr error
}

func (f *fakeApplier) ApplyChunk(ctx context.Context, chunk store.Chunk) error {
	if f.failAt > 0 && len(f.chunks)+1 == f.failAt {
		return f.applyErr
	}
	f.chunks = append(f.chunks, chunk)
	return nil
}

type fakePusher struct {
	delivered []model.Notification
}

func (f *fakePusher) Deliver(ctx context.Context, n model.Notification) {
	f.delivered = append(f.delivered, n)
}

func makeSignups(prefix string, n int) []model.Signup {
	signups := make([]model.Signup, n)
	for i := range signups {
		signups[i] = model.Signup{
			ID:      fmt.Sprintf("%s-%d", prefix, i),
			EventID: "ev-1",
			UserID:  fmt.Sprintf("user-%s-%d", prefix, i),
			State:   model.StateWaitlisted,
		}
	}
	return signups
}

func testEvent() *model.Event {
	return &model.Event{
		ID:          "ev-1",
		OrganizerID: "org-1",
		EventName:   "Morning Swim",
		Capacity:    10,
	}
}

func newWriter(applier fanout.ChunkApplier, pusher fanout.Pusher, policy fanout.LossPolicy) *fanout.Writer {
	return fanout.NewWriter(applier, pusher, policy, zerolog.Nop(), nil)
}

func TestApplyPairsTransitionWithNotification(t *testing.T) {
	applier := &fakeApplier{}
	w := newWriter(applier, nil, fanout.LossReturnToWaitlist)

	result := lottery.Result{
		Selected: makeSignups("win", 3),
		Lost:     makeSignups("lose", 2),
	}

	if err := w.Apply(context.Background(), testEvent(), result, "run-1", true); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got, want := len(applier.chunks), 1; got != want {
		t.Fatalf("chunks = %d, want %d", got, want)
	}

	chunk := applier.chunks[0]
	if got, want := len(chunk.Transitions), 5; got != want {
		t.Fatalf("transitions = %d, want %d", got, want)
	}
	// 5 signup notifications plus the organizer summary.
	if got, want := len(chunk.Notifications), 6; got != want {
		t.Fatalf("notifications = %d, want %d", got, want)
	}

	// Every transition must have a notification keyed to the same signup
	// in the same chunk.
	keys := make(map[string]bool)
	for _, n := range chunk.Notifications {
		keys[n.IdempotencyKey] = true
	}
	for _, tr := range chunk.Transitions {
		if !keys["run-1:"+tr.SignupID] {
			t.Errorf("transition for %s has no paired notification", tr.SignupID)
		}
	}
	if !keys["run-1:organizer"] {
		t.Error("organizer summary notification missing")
	}

	if got, want := chunk.MarkProcessedEventID, "ev-1"; got != want {
		t.Errorf("MarkProcessedEventID = %q, want %q", got, want)
	}
}

func TestApplyWinnerAndLoserStates(t *testing.T) {
	tests := []struct {
		name      string
		policy    fanout.LossPolicy
		wantLoser model.SignupState
	}{
		{"waitlist policy returns losers", fanout.LossReturnToWaitlist, model.StateWaitlisted},
		{"cancel policy removes losers", fanout.LossCancel, model.StateCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applier := &fakeApplier{}
			w := newWriter(applier, nil, tt.policy)

			result := lottery.Result{
				Selected: makeSignups("win", 1),
				Lost:     makeSignups("lose", 1),
			}
			if err := w.Apply(context.Background(), testEvent(), result, "run-1", false); err != nil {
				t.Fatalf("Apply: %v", err)
			}

			for _, tr := range applier.chunks[0].Transitions {
				switch tr.SignupID {
				case "win-0":
					if tr.To != model.StateSelected {
						t.Errorf("winner transitions to %q, want %q", tr.To, model.StateSelected)
					}
				case "lose-0":
					if tr.To != tt.wantLoser {
						t.Errorf("loser transitions to %q, want %q", tr.To, tt.wantLoser)
					}
				}
			}
		})
	}
}

func TestApplySplitsLargeRunsIntoChunks(t *testing.T) {
	applier := &fakeApplier{}
	w := newWriter(applier, nil, fanout.LossReturnToWaitlist)

	// 300 units at 2 writes each exceeds one chunk.
	result := lottery.Result{
		Selected: makeSignups("win", 200),
		Lost:     makeSignups("lose", 100),
	}
	if err := w.Apply(context.Background(), testEvent(), result, "run-1", true); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got, want := len(applier.chunks), 2; got != want {
		t.Fatalf("chunks = %d, want %d", got, want)
	}
	for i, c := range applier.chunks {
		if c.Writes() > store.MaxChunkWrites {
			t.Errorf("chunk %d has %d writes, exceeds limit %d", i, c.Writes(), store.MaxChunkWrites)
		}
		// Only the final chunk flips the processed flag.
		wantMark := ""
		if i == len(applier.chunks)-1 {
			wantMark = "ev-1"
		}
		if c.MarkProcessedEventID != wantMark {
			t.Errorf("chunk %d MarkProcessedEventID = %q, want %q", i, c.MarkProcessedEventID, wantMark)
		}
	}
}

func TestApplyFullChunkPushesOrganizerNoteToNextChunk(t *testing.T) {
	applier := &fakeApplier{}
	w := newWriter(applier, nil, fanout.LossReturnToWaitlist)

	// Exactly 250 units fill one chunk to the 500-write limit, leaving no
	// room for the organizer note and the processed flag.
	result := lottery.Result{Selected: makeSignups("win", 250)}
	if err := w.Apply(context.Background(), testEvent(), result, "run-1", true); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got, want := len(applier.chunks), 2; got != want {
		t.Fatalf("chunks = %d, want %d", got, want)
	}
	if got, want := applier.chunks[0].Writes(), store.MaxChunkWrites; got != want {
		t.Errorf("first chunk writes = %d, want %d", got, want)
	}
	last := applier.chunks[1]
	if got, want := len(last.Notifications), 1; got != want {
		t.Fatalf("final chunk notifications = %d, want %d", got, want)
	}
	if got, want := last.Notifications[0].IdempotencyKey, "run-1:organizer"; got != want {
		t.Errorf("final chunk key = %q, want %q", got, want)
	}
	if last.MarkProcessedEventID != "ev-1" {
		t.Error("processed flag missing from final chunk")
	}
}

func TestApplyPartialCommitError(t *testing.T) {
	applier := &fakeApplier{failAt: 2, applyErr: errors.New("db down")}
	w := newWriter(applier, nil, fanout.LossReturnToWaitlist)

	result := lottery.Result{
		Selected: makeSignups("win", 200),
		Lost:     makeSignups("lose", 100),
	}
	err := w.Apply(context.Background(), testEvent(), result, "run-1", true)
	if err == nil {
		t.Fatal("Apply succeeded, want partial commit error")
	}

	var pce *fanout.PartialCommitError
	if !errors.As(err, &pce) {
		t.Fatalf("error is %T, want *PartialCommitError", err)
	}
	if pce.FailedChunk != 2 {
		t.Errorf("FailedChunk = %d, want 2", pce.FailedChunk)
	}
	if pce.TotalChunks != 2 {
		t.Errorf("TotalChunks = %d, want 2", pce.TotalChunks)
	}
	if got, want := pce.CommittedWrites, applier.chunks[0].Writes(); got != want {
		t.Errorf("CommittedWrites = %d, want %d", got, want)
	}
	if pce.EventID != "ev-1" || pce.RunID != "run-1" {
		t.Errorf("error identifies run %s/%s, want ev-1/run-1", pce.EventID, pce.RunID)
	}
	// The first chunk stays committed.
	if got, want := len(applier.chunks), 1; got != want {
		t.Errorf("committed chunks = %d, want %d", got, want)
	}
}

func TestApplySkippedResultWritesNothing(t *testing.T) {
	applier := &fakeApplier{}
	pusher := &fakePusher{}
	w := newWriter(applier, pusher, fanout.LossReturnToWaitlist)

	result := lottery.Result{Skip: lottery.SkipEmptyPool}
	if err := w.Apply(context.Background(), testEvent(), result, "run-1", true); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(applier.chunks) != 0 {
		t.Errorf("skipped run committed %d chunks, want 0", len(applier.chunks))
	}
	if len(pusher.delivered) != 0 {
		t.Errorf("skipped run pushed %d notifications, want 0", len(pusher.delivered))
	}
}

func TestApplyPushesAfterCommit(t *testing.T) {
	applier := &fakeApplier{}
	pusher := &fakePusher{}
	w := newWriter(applier, pusher, fanout.LossReturnToWaitlist)

	result := lottery.Result{
		Selected: makeSignups("win", 2),
		Lost:     makeSignups("lose", 3),
	}
	if err := w.Apply(context.Background(), testEvent(), result, "run-1", false); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got, want := len(pusher.delivered), 5; got != want {
		t.Errorf("pushed %d notifications, want %d", got, want)
	}
}

func TestApplyNoPushOnFailure(t *testing.T) {
	applier := &fakeApplier{failAt: 1, applyErr: errors.New("db down")}
	pusher := &fakePusher{}
	w := newWriter(applier, pusher, fanout.LossReturnToWaitlist)

	result := lottery.Result{Selected: makeSignups("win", 2)}
	if err := w.Apply(context.Background(), testEvent(), result, "run-1", false); err == nil {
		t.Fatal("Apply succeeded, want error")
	}
	if len(pusher.delivered) != 0 {
		t.Errorf("failed run pushed %d notifications, want 0", len(pusher.delivered))
	}
}

func TestApplyIdempotencyKeysStableAcrossRetries(t *testing.T) {
	run := func() []string {
		applier := &fakeApplier{}
		w := newWriter(applier, nil, fanout.LossReturnToWaitlist)
		result := lottery.Result{
			Selected: makeSignups("win", 2),
			Lost:     makeSignups("lose", 2),
		}
		if err := w.Apply(context.Background(), testEvent(), result, "run-7", false); err != nil {
			t.Fatalf("Apply: %v", err)
		}
		var keys []string
		for _, n := range applier.chunks[0].Notifications {
			keys = append(keys, n.IdempotencyKey)
		}
		return keys
	}

	first := run()
	second := run()
	if len(first) != len(second) {
		t.Fatalf("key counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("key %d differs across retries: %q vs %q", i, first[i], second[i])
		}
	}
}
