package progress

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/0xkanth/indexcore/internal/intervalset"
)

func TestNewRejectsCompletedOutsideTarget(t *testing.T) {
	_, err := New(
		intervalset.Of(intervalset.Interval{Lo: 0, Hi: 100}),
		intervalset.Of(intervalset.Interval{Lo: 50, Hi: 150}),
	)
	require.Error(t, err)
}

func TestResumeFromCachedIntervals(t *testing.T) {
	// S5: target [0,1000], completed [0,400] ∪ [600,800].
	tr, err := New(
		intervalset.Of(intervalset.Interval{Lo: 0, Hi: 1000}),
		intervalset.Of(intervalset.Interval{Lo: 0, Hi: 400}, intervalset.Interval{Lo: 600, Hi: 800}),
	)
	require.NoError(t, err)

	required := tr.Required()
	require.Equal(t, intervalset.Set{{Lo: 401, Hi: 599}, {Lo: 801, Hi: 1000}}, required)

	cp, ok := tr.Checkpoint()
	require.True(t, ok)
	require.Equal(t, uint64(400), cp)

	tr.AddCompleted(intervalset.Interval{Lo: 401, Hi: 599})
	tr.AddCompleted(intervalset.Interval{Lo: 801, Hi: 1000})

	require.True(t, tr.IsComplete())
	cp, ok = tr.Checkpoint()
	require.True(t, ok)
	require.Equal(t, uint64(1000), cp)
}

func TestCheckpointMonotoneNonDecreasing(t *testing.T) {
	tr, err := New(intervalset.Of(intervalset.Interval{Lo: 0, Hi: 100}), nil)
	require.NoError(t, err)

	_, ok := tr.Checkpoint()
	require.False(t, ok)

	res := tr.AddCompleted(intervalset.Interval{Lo: 50, Hi: 60})
	require.True(t, res.Updated)
	_, ok = tr.Checkpoint()
	require.False(t, ok) // target.min (0) not yet covered

	res = tr.AddCompleted(intervalset.Interval{Lo: 0, Hi: 49})
	require.True(t, res.Updated)
	cp, ok := tr.Checkpoint()
	require.True(t, ok)
	require.Equal(t, uint64(60), cp)
	require.Equal(t, uint64(60), res.NewCheckpoint)

	res2 := tr.AddCompleted(intervalset.Interval{Lo: 0, Hi: 49})
	require.False(t, res2.Updated)
}

func TestAddCompletedNoOpWhenAlreadyCovered(t *testing.T) {
	tr, err := New(
		intervalset.Of(intervalset.Interval{Lo: 0, Hi: 100}),
		intervalset.Of(intervalset.Interval{Lo: 0, Hi: 100}),
	)
	require.NoError(t, err)
	res := tr.AddCompleted(intervalset.Interval{Lo: 10, Hi: 20})
	require.False(t, res.Updated)
}

func TestBlockProgressTrackerOutOfOrder(t *testing.T) {
	// S8: enqueue {10, 9, 11}, complete 11, 10, 9.
	bt := NewBlockProgressTracker()
	bt.AddPending(10, 9, 11)

	got := bt.AddCompleted(11, 1111)
	require.Empty(t, got, "11 must not be emitted before 9 and 10 complete")

	got = bt.AddCompleted(10, 1010)
	require.Empty(t, got, "10 must not be emitted before 9 completes")

	got = bt.AddCompleted(9, 909)
	require.Equal(t, []BlockCompletion{
		{Number: 9, Timestamp: 909},
		{Number: 10, Timestamp: 1010},
		{Number: 11, Timestamp: 1111},
	}, got, "watermark advances through every safe entry in order, surfacing 9, then 10, then 11")
	require.Equal(t, uint64(0), bt.PendingCount())
}

func TestBlockProgressTrackerInOrder(t *testing.T) {
	bt := NewBlockProgressTracker()
	bt.AddPending(1, 2, 3)

	got := bt.AddCompleted(1, 100)
	require.Equal(t, []BlockCompletion{{Number: 1, Timestamp: 100}}, got)

	got = bt.AddCompleted(2, 200)
	require.Equal(t, []BlockCompletion{{Number: 2, Timestamp: 200}}, got)

	got = bt.AddCompleted(3, 300)
	require.Equal(t, []BlockCompletion{{Number: 3, Timestamp: 300}}, got)
}

func TestBlockProgressTrackerMonotoneAcrossManyCalls(t *testing.T) {
	bt := NewBlockProgressTracker()
	bt.AddPending(1, 2, 3, 4, 5)

	order := []uint64{3, 1, 5, 2, 4}
	var last uint64
	var sawAny bool
	for _, n := range order {
		for _, got := range bt.AddCompleted(n, n*10) {
			require.GreaterOrEqual(t, got.Number, last)
			last = got.Number
			sawAny = true
		}
	}
	require.True(t, sawAny)
	require.Equal(t, uint64(5), last)
}
