package dispatch

import (
	"math/rand"
	"sync"
	"time"
)

// Selector chooses one of n candidates, returning an index in [0, n).
// Candidates are sorted by staff id. An index outside that range is logged
// and the first candidate is used instead.
type Selector interface {
	Pick(n int) int
}

type SelectorFunc func(n int) int

func (f SelectorFunc) Pick(n int) int { return f(n) }

// RandomSelector picks uniformly from a seeded source. Safe for concurrent use.
type RandomSelector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomSelector seeds from the clock when seed is 0.
func NewRandomSelector(seed int64) *RandomSelector {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomSelector{rng: rand.New(rand.NewSource(seed))}
}

func (s *RandomSelector) Pick(n int) int {
	if n <= 1 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}
