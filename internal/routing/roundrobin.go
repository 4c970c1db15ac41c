// ABOUTME: Round-robin choice among equally good candidates
// ABOUTME: Spreads tied routing decisions across agents instead of always picking the first

package routing

import (
	"errors"
	"sync/atomic"
)

// ErrNoAgentsAvailable indicates there was nothing to choose from.
var ErrNoAgentsAvailable = errors.New("no agents available")

// roundRobin rotates through candidate lists.
type roundRobin struct {
	current atomic.Uint64
}

// pick returns the next candidate.
func (r *roundRobin) pick(candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoAgentsAvailable
	}
	idx := r.current.Add(1) - 1
	return candidates[idx%uint64(len(candidates))], nil
}
