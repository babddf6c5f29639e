package matching

import (
	"time"

	"github.com/whisper/matchmaker/internal/queue"
)

// IsSatisfiedBy reports whether e meets the criteria c.
func IsSatisfiedBy(e queue.Entry, c Criteria) bool {
	return (c.Category == Any || e.Category == c.Category) &&
		(c.Difficulty == Any || e.Difficulty == c.Difficulty)
}

// Evaluator decides whether two waiting entries may be paired.
type Evaluator struct {
	Unit time.Duration // relaxation unit
}

// CanMatch reports whether a and b are compatible at time now.
//
// The two directions are deliberately not symmetric: a is tried at every
// level from 0 up to its current one, b only at its current level.
func (ev Evaluator) CanMatch(a, b queue.Entry, now time.Time) bool {
	levelA := Level(a.Waited(now), ev.Unit)
	levelB := Level(b.Waited(now), ev.Unit)
	if !validLevel(levelA) || !validLevel(levelB) {
		return false
	}

	for i := LevelExact; i <= levelA; i++ {
		c, err := RelaxedCriteria(i, a)
		if err != nil {
			return false
		}
		if IsSatisfiedBy(b, c) {
			return true
		}
	}

	c, err := RelaxedCriteria(levelB, b)
	if err != nil {
		return false
	}
	return IsSatisfiedBy(a, c)
}
