package promptq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Extra-Chill/data-machine/errors"
	dmtest "github.com/Extra-Chill/data-machine/internal/testing"
)

const (
	testFlow = "FL_TEST"
	testStep = "step-2"
)

func prompts(t *testing.T, q *Queue) []string {
	t.Helper()
	entries, err := q.List(testFlow, testStep)
	require.NoError(t, err)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Prompt
	}
	return out
}

func seed(t *testing.T, q *Queue, items ...string) {
	t.Helper()
	for _, item := range items {
		require.NoError(t, q.Add(testFlow, testStep, item))
	}
}

func TestAddPreservesFIFOOrder(t *testing.T) {
	q := New(dmtest.CreateTestDB(t))
	seed(t, q, "first", "second", "third")
	assert.Equal(t, []string{"first", "second", "third"}, prompts(t, q))
}

func TestAddEmptyPromptRejected(t *testing.T) {
	q := New(dmtest.CreateTestDB(t))
	assert.Error(t, q.Add(testFlow, testStep, ""))
}

func TestPopReturnsHeadAndShifts(t *testing.T) {
	q := New(dmtest.CreateTestDB(t))
	seed(t, q, "head", "tail")

	e, err := q.Pop(testFlow, testStep)
	require.NoError(t, err)
	assert.Equal(t, "head", e.Prompt)
	assert.Equal(t, []string{"tail"}, prompts(t, q))
}

func TestPopEmptyQueue(t *testing.T) {
	q := New(dmtest.CreateTestDB(t))
	_, err := q.Pop(testFlow, testStep)
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestAddThenRemoveZeroRoundTrips(t *testing.T) {
	q := New(dmtest.CreateTestDB(t))
	seed(t, q, "a", "b")
	before := prompts(t, q)

	require.NoError(t, q.Add(testFlow, testStep, "c"))
	require.NoError(t, q.Remove(testFlow, testStep, 2))
	assert.Equal(t, before, prompts(t, q))
}

func TestRemoveShiftsLaterEntries(t *testing.T) {
	q := New(dmtest.CreateTestDB(t))
	seed(t, q, "a", "b", "c")

	require.NoError(t, q.Remove(testFlow, testStep, 1))
	assert.Equal(t, []string{"a", "c"}, prompts(t, q))

	// Subsequent pop still finds a head at position 0
	e, err := q.Pop(testFlow, testStep)
	require.NoError(t, err)
	assert.Equal(t, "a", e.Prompt)
}

func TestRemoveOutOfRange(t *testing.T) {
	q := New(dmtest.CreateTestDB(t))
	seed(t, q, "only")

	for _, idx := range []int{-1, 1, 99} {
		err := q.Remove(testFlow, testStep, idx)
		require.Error(t, err, "index %d", idx)
		assert.True(t, errors.Is(err, errors.ErrOutOfRange))
	}
}

func TestUpdateInPlace(t *testing.T) {
	q := New(dmtest.CreateTestDB(t))
	seed(t, q, "a", "b")

	require.NoError(t, q.Update(testFlow, testStep, 1, "b2"))
	assert.Equal(t, []string{"a", "b2"}, prompts(t, q))

	assert.Error(t, q.Update(testFlow, testStep, 5, "x"))
}

func TestMoveForwardAndBackward(t *testing.T) {
	q := New(dmtest.CreateTestDB(t))
	seed(t, q, "a", "b", "c", "d")

	require.NoError(t, q.Move(testFlow, testStep, 0, 2))
	assert.Equal(t, []string{"b", "c", "a", "d"}, prompts(t, q))

	require.NoError(t, q.Move(testFlow, testStep, 3, 0))
	assert.Equal(t, []string{"d", "b", "c", "a"}, prompts(t, q))
}

func TestMoveSameIndexIsNoOp(t *testing.T) {
	q := New(dmtest.CreateTestDB(t))
	seed(t, q, "a", "b", "c")

	require.NoError(t, q.Move(testFlow, testStep, 1, 1))
	assert.Equal(t, []string{"a", "b", "c"}, prompts(t, q))
}

func TestMoveOutOfRange(t *testing.T) {
	q := New(dmtest.CreateTestDB(t))
	seed(t, q, "a", "b")

	assert.Error(t, q.Move(testFlow, testStep, 0, 5))
	assert.Error(t, q.Move(testFlow, testStep, -1, 0))
	assert.Equal(t, []string{"a", "b"}, prompts(t, q))
}

func TestClearAndLen(t *testing.T) {
	q := New(dmtest.CreateTestDB(t))
	seed(t, q, "a", "b")

	n, err := q.Len(testFlow, testStep)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, q.Clear(testFlow, testStep))
	n, err = q.Len(testFlow, testStep)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQueuesAreScopedPerFlowAndStep(t *testing.T) {
	q := New(dmtest.CreateTestDB(t))
	require.NoError(t, q.Add("FL_A", "step-1", "for-a"))
	require.NoError(t, q.Add("FL_B", "step-1", "for-b"))

	entries, err := q.List("FL_A", "step-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "for-a", entries[0].Prompt)
}
