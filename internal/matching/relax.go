package matching

import (
	"errors"
	"fmt"
	"time"

	"github.com/whisper/matchmaker/internal/queue"
)

// Any is the wildcard value for a relaxed category or difficulty.
const Any = "Any"

// Relaxation levels. The longer an entry waits, the higher its level.
const (
	LevelExact         = 0 // own category and difficulty
	LevelAnyDifficulty = 1 // own category, any difficulty
	LevelAnyCategory   = 2 // any category, own difficulty

	maxRelaxationLevel = LevelAnyCategory
)

// ErrInvalidRelaxationLevel is returned for levels outside 0..2.
var ErrInvalidRelaxationLevel = errors.New("matching: invalid relaxation level")

// Criteria is what an entry is willing to be paired with at some level.
type Criteria struct {
	Category   string
	Difficulty string
}

// Level maps the time an entry has waited to its relaxation level. Upper
// bounds are inclusive: exactly one unit of waiting is still level 0.
func Level(elapsed, unit time.Duration) int {
	switch {
	case elapsed <= unit:
		return LevelExact
	case elapsed <= 2*unit:
		return LevelAnyDifficulty
	default:
		return LevelAnyCategory
	}
}

// RelaxedCriteria returns the criteria e accepts at the given level.
func RelaxedCriteria(level int, e queue.Entry) (Criteria, error) {
	switch level {
	case LevelExact:
		return Criteria{Category: e.Category, Difficulty: e.Difficulty}, nil
	case LevelAnyDifficulty:
		return Criteria{Category: e.Category, Difficulty: Any}, nil
	case LevelAnyCategory:
		return Criteria{Category: Any, Difficulty: e.Difficulty}, nil
	default:
		return Criteria{}, fmt.Errorf("%w: %d", ErrInvalidRelaxationLevel, level)
	}
}

func validLevel(level int) bool {
	return level >= LevelExact && level <= maxRelaxationLevel
}
