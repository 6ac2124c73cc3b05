package source

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveNormalRange(t *testing.T) {
	s := Source{ID: "a", Start: 5}
	r, err := s.Resolve(100, 120)
	require.NoError(t, err)
	require.Equal(t, ResolvedRange{Start: 5, End: 100}, r)
}

func TestResolveSkipsSourceStartingBeyondFinalizedTip(t *testing.T) {
	s := Source{ID: "future", Start: 150}
	r, err := s.Resolve(100, 200)
	require.NoError(t, err)
	require.True(t, r.Skipped, "a source starting past the finalized tip must be skipped, not rejected")
	require.Equal(t, uint64(150), r.Start)
}

func TestResolveRejectsStartBeyondLatest(t *testing.T) {
	s := Source{ID: "a", Start: 500}
	_, err := s.Resolve(100, 200)
	require.Error(t, err)
}

func TestResolveRejectsExplicitEndBeyondFinalized(t *testing.T) {
	end := uint64(500)
	s := Source{ID: "a", Start: 0, End: &end}
	_, err := s.Resolve(100, 200)
	require.Error(t, err)
}

func TestPriorityOrdersEarliestFirst(t *testing.T) {
	early := Task{Kind: TaskLogFilter, FromBlock: 10}
	late := Task{Kind: TaskLogFilter, FromBlock: 20}
	require.Greater(t, early.Priority(), late.Priority())

	block := Task{Kind: TaskBlock, BlockNumber: 10}
	require.Equal(t, ^uint64(0)-10, block.Priority())
}
