// Package lottery implements the selection engine: a pure computation that
// partitions an eligible pool into winners and losers for one lottery run.
// It performs no I/O; randomness comes in through the Shuffler seam so
// tests can fix the seed and assert exact partitions.
package lottery

import (
	"math/rand"

	"EventLottery/internal/model"
)

// Shuffler produces a permutation. rand.Rand satisfies it directly.
type Shuffler interface {
	Shuffle(n int, swap func(i, j int))
}

// NewSeededShuffler returns a deterministic Shuffler for a fixed seed.
func NewSeededShuffler(seed int64) Shuffler {
	return rand.New(rand.NewSource(seed))
}

// SkipReason explains why a run produced no result. A skipped run is an
// informational outcome, not an error: all signup state stays untouched.
type SkipReason string

const (
	// SkipNone: the run produced a selection.
	SkipNone SkipReason = ""
	// SkipEmptyPool: no eligible signups to draw from.
	SkipEmptyPool SkipReason = "empty_pool"
	// SkipUnderfilledPool: on a reroll, even taking every eligible
	// candidate cannot reach capacity. The pool is left whole rather than
	// partially filled.
	SkipUnderfilledPool SkipReason = "underfilled_pool"
	// SkipAlreadyFull: on a reroll, enrolled entrants already meet or
	// exceed capacity; no new winners are needed.
	SkipAlreadyFull SkipReason = "already_full"
)

// Result is the outcome of one draw. When Skip is non-empty, Selected and
// Lost are nil and SlotsAvailable is informational only.
type Result struct {
	Selected       []model.Signup
	Lost           []model.Signup
	SlotsAvailable int
	Skip           SkipReason
}

// Skipped reports whether the draw was a no-op.
func (r Result) Skipped() bool { return r.Skip != SkipNone }

// Draw partitions eligible into winners and losers. enrolled holds signups
// confirmed by a prior run; a non-empty enrolled set makes this a reroll,
// which only fills the remaining capacity gap. The input slices are never
// mutated.
//
// Who wins among otherwise-identical candidates is pure chance from the
// shuffle; no secondary ordering such as signup timestamp is consulted.
func Draw(eligible, enrolled []model.Signup, targetCount int, shuffler Shuffler) Result {
	isReroll := len(enrolled) > 0

	slots := targetCount
	if isReroll {
		slots = targetCount - len(enrolled)
	}

	if isReroll && slots <= 0 {
		return Result{SlotsAvailable: slots, Skip: SkipAlreadyFull}
	}
	if len(eligible) == 0 {
		return Result{SlotsAvailable: slots, Skip: SkipEmptyPool}
	}
	if isReroll && len(enrolled)+len(eligible) < targetCount {
		return Result{SlotsAvailable: slots, Skip: SkipUnderfilledPool}
	}

	// Full-set unbiased shuffle before slicing. A copy keeps Draw pure.
	shuffled := make([]model.Signup, len(eligible))
	copy(shuffled, eligible)
	shuffler.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	if slots > len(shuffled) {
		slots = len(shuffled)
	}

	return Result{
		Selected:       shuffled[:slots],
		Lost:           shuffled[slots:],
		SlotsAvailable: slots,
	}
}
