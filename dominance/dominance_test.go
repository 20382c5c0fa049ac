package dominance

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teranos/certifier/errors"
)

func TestDefaultDominance(t *testing.T) {
	idx := NewDefault()

	assert.True(t, idx.Dominates("is-trusted", "is-trusted-for-attestation"))
	assert.True(t, idx.Dominates("is-trusted", "is-trusted-for-authentication"))
	assert.False(t, idx.Dominates("is-trusted", "is-trusted-for-crap"))
	assert.False(t, idx.Dominates("is-trusted-for-attestation", "is-trusted"))
	assert.False(t, idx.Dominates("is-trusted-for-attestation", "is-trusted-for-authentication"))
}

func TestDominatesIsReflexive(t *testing.T) {
	idx := NewDefault()
	for _, p := range []string{"is-trusted", "is-trusted-for-attestation", "never-inserted"} {
		assert.True(t, idx.Dominates(p, p), p)
	}
}

func TestDominatesIsTransitive(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Insert("a", "b"))
	require.NoError(t, idx.Insert("b", "c"))
	require.NoError(t, idx.Insert("c", "d"))

	assert.True(t, idx.Dominates("a", "d"))
	assert.True(t, idx.Dominates("b", "d"))
	assert.False(t, idx.Dominates("d", "a"))
}

func TestInsertRejectsCycles(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Insert("A", "B"))

	err := idx.Insert("B", "A")
	assert.True(t, errors.IsCycleError(err))

	err = idx.Insert("A", "A")
	assert.True(t, errors.IsCycleError(err))

	assert.Equal(t, []Edge{{Root: "A", Child: "B"}}, idx.Edges())
	assert.True(t, idx.Dominates("A", "B"))
	assert.False(t, idx.Dominates("B", "A"))
}

func TestInsertRejectsLongCycle(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Insert("a", "b"))
	require.NoError(t, idx.Insert("b", "c"))

	err := idx.Insert("c", "a")
	assert.True(t, errors.IsCycleError(err))
	assert.Len(t, idx.Edges(), 2)
}

func TestMultipleParents(t *testing.T) {
	idx := New()
	require.NoError(t, idx.Insert("is-trusted", "is-trusted-for-authentication"))
	require.NoError(t, idx.Insert("is-trusted-for-tls", "is-trusted-for-authentication"))

	assert.True(t, idx.Dominates("is-trusted", "is-trusted-for-authentication"))
	assert.True(t, idx.Dominates("is-trusted-for-tls", "is-trusted-for-authentication"))
	assert.False(t, idx.Dominates("is-trusted", "is-trusted-for-tls"))

	tree := idx.Tree()
	require.Len(t, tree, 2)
	assert.Equal(t, "is-trusted-for-authentication", tree[0].Children[0].Predicate)
	assert.Equal(t, "is-trusted-for-authentication", tree[1].Children[0].Predicate)
}

func TestInsertDuplicateIsNoop(t *testing.T) {
	idx := NewDefault()
	require.NoError(t, idx.Insert("is-trusted", "is-trusted-for-attestation"))
	assert.Len(t, idx.Edges(), 2)
}

func TestInsertRejectsEmptyNames(t *testing.T) {
	idx := New()
	assert.True(t, errors.IsValidationError(idx.Insert("", "a")))
	assert.True(t, errors.IsValidationError(idx.Insert("a", "")))
}

func TestMergeIsAtomic(t *testing.T) {
	idx := NewDefault()
	before := idx.Edges()

	err := idx.Merge([]Edge{
		{Root: "is-trusted-for-attestation", Child: "is-trusted-for-quotes"},
		{Root: "is-trusted-for-quotes", Child: "is-trusted"},
	})
	assert.True(t, errors.IsCycleError(err))
	assert.Equal(t, before, idx.Edges())
	assert.False(t, idx.Contains("is-trusted-for-quotes"))

	require.NoError(t, idx.Merge([]Edge{
		{Root: "is-trusted-for-attestation", Child: "is-trusted-for-quotes"},
	}))
	assert.True(t, idx.Dominates("is-trusted", "is-trusted-for-quotes"))
}

func TestCloneIsIndependent(t *testing.T) {
	idx := NewDefault()
	c := idx.Clone()
	require.NoError(t, c.Insert("is-trusted-for-attestation", "x"))

	assert.True(t, c.Contains("x"))
	assert.False(t, idx.Contains("x"))
}

func TestPrintTree(t *testing.T) {
	idx := NewDefault()
	var buf bytes.Buffer
	require.NoError(t, idx.PrintTree(&buf))

	assert.Equal(t, "is-trusted\n  is-trusted-for-attestation\n  is-trusted-for-authentication\n", buf.String())
	assert.Equal(t, []string{"is-trusted", "is-trusted-for-attestation", "is-trusted-for-authentication"}, idx.Predicates())
}

func TestConcurrentQueries(t *testing.T) {
	idx := NewDefault()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.True(t, idx.Dominates("is-trusted", "is-trusted-for-attestation"))
			}
		}()
	}
	wg.Wait()
}
