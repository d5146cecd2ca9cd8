package broker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityRankOrdering(t *testing.T) {
	require.Less(t, PriorityHigh.rank(), PriorityNormal.rank())
	require.Less(t, PriorityNormal.rank(), PriorityLow.rank())
}

func TestRankToPriorityRoundTrip(t *testing.T) {
	for _, p := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		require.Equal(t, p, rankToPriority(p.rank()))
	}
}

func TestAnalysisQueuesUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, q := range AnalysisQueues {
		require.False(t, seen[q], "duplicate queue key %q", q)
		seen[q] = true
	}
	require.Len(t, AnalysisQueues, 21)
}

func TestCorrectiveQueueKey(t *testing.T) {
	require.Equal(t, "corrective:structural", CorrectiveQueue("structural"))
}
