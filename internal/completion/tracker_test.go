package completion

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndContains(t *testing.T) {
	tr := New(1024)
	tr.Add("r1")
	assert.True(t, tr.Contains("r1"))
	assert.False(t, tr.Contains("r2"))
}

func TestEvictionAtCapacityOne(t *testing.T) {
	tr := New(1)
	tr.Add("a")
	assert.True(t, tr.Contains("a"))
	tr.Add("b")
	assert.False(t, tr.Contains("a"))
	assert.True(t, tr.Contains("b"))
}

func TestCapacityFourEvictsOldest(t *testing.T) {
	tr := New(4)
	for i := 1; i <= 5; i++ {
		tr.Add(strconv.Itoa(i))
	}
	assert.False(t, tr.Contains("1"))
	for i := 2; i <= 5; i++ {
		assert.True(t, tr.Contains(strconv.Itoa(i)))
	}
}

func TestLenNeverExceedsCapacity(t *testing.T) {
	tr := New(4)
	for i := 0; i < 100; i++ {
		tr.Add(strconv.Itoa(i))
		require.LessOrEqual(t, tr.Len(), tr.Capacity())
	}
	assert.Equal(t, 4, tr.Len())
}

func TestOrderingStress(t *testing.T) {
	tr := New(1024)
	const n = 10000
	for i := 0; i < n; i++ {
		tr.Add(strconv.Itoa(i))
	}
	// Only the last 1024 ids are retained.
	for i := n - 1024; i < n; i++ {
		assert.True(t, tr.Contains(strconv.Itoa(i)), "expected %d to be retained", i)
	}
	assert.False(t, tr.Contains(strconv.Itoa(n-1025)))
}

func TestDuplicateAddsAreMultiset(t *testing.T) {
	tr := New(4)
	tr.Add("x")
	tr.Add("x")
	assert.True(t, tr.Contains("x"))
	tr.Add("y")
	tr.Add("z")
	// capacity 4, entries: x, x, y, z
	tr.Add("w") // evicts first "x"
	assert.True(t, tr.Contains("x"), "second copy of x should still be present")
	tr.Add("v") // evicts second "x"
	assert.False(t, tr.Contains("x"))
}
