package domain

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Random walks over the transition table: whatever order edges are attempted
// in, delivered is only reachable from in_progress, terminal states have no
// outgoing edges, and nothing re-enters pending.
func TestTransitionSequences(t *testing.T) {
	statuses := []RequestStatus{
		StatusPending,
		StatusInProgress,
		StatusChangeRequest,
		StatusDelivered,
		StatusCanceled,
	}
	rng := rand.New(rand.NewSource(1))

	for seq := 0; seq < 200; seq++ {
		state := StatusPending
		for step := 0; step < 50; step++ {
			target := statuses[rng.Intn(len(statuses))]
			if !IsTransitionAllowed(state, target) {
				continue
			}
			require.False(t, state.IsTerminal(), "edge %s -> %s leaves a terminal state", state, target)
			require.NotEqual(t, StatusPending, target, "edge %s -> %s re-enters pending", state, target)
			if target == StatusDelivered {
				require.Equal(t, StatusInProgress, state, "delivered reached from %s", state)
			}
			state = target
		}
	}

	for _, from := range statuses {
		assert.False(t, IsTransitionAllowed(from, from), "self edge %s", from)
		if from.IsTerminal() {
			for _, to := range statuses {
				assert.False(t, IsTransitionAllowed(from, to), "edge %s -> %s", from, to)
			}
		}
	}
}
