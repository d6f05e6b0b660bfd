package budget

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	b := New(2)
	assert.Equal(t, 2, b.Available())
	assert.Equal(t, 0, b.InUse())

	t1 := b.Acquire()
	require.NotNil(t, t1)
	t2 := b.Acquire()
	require.NotNil(t, t2)
	assert.Equal(t, 0, b.Available())

	// Exhausted: Acquire must not block, it returns nil.
	assert.Nil(t, b.Acquire())

	t1.Release()
	assert.Equal(t, 1, b.Available())
	assert.False(t, t1.Valid())
	assert.True(t, t2.Valid())

	t2.Release()
	assert.Equal(t, 2, b.Available())
}

func TestReleaseIsIdempotent(t *testing.T) {
	b := New(1)
	tok := b.Acquire()
	require.NotNil(t, tok)

	tok.Release()
	tok.Release()
	tok.Release()
	assert.Equal(t, 1, b.Available(), "double release must not mint credits")

	var nilTok *Token
	nilTok.Release()
	assert.False(t, nilTok.Valid())
}

func TestMoveTransfersCredit(t *testing.T) {
	b := New(1)
	tok := b.Acquire()
	require.NotNil(t, tok)

	moved := tok.Move()
	require.NotNil(t, moved)
	assert.False(t, tok.Valid(), "the source handle dies on move")
	assert.True(t, moved.Valid())
	assert.Equal(t, 1, b.InUse(), "moving must not return the credit")

	// Releasing the dead source is a no-op; the credit rides with moved.
	tok.Release()
	assert.Equal(t, 1, b.InUse())
	moved.Release()
	assert.Equal(t, 1, b.Available())

	// Moving an invalid or nil token yields nothing.
	assert.Nil(t, tok.Move())
	assert.Nil(t, moved.Move())
	var nilTok *Token
	assert.Nil(t, nilTok.Move())
}

func TestShrinkBelowInUse(t *testing.T) {
	b := New(3)
	t1 := b.Acquire()
	t2 := b.Acquire()
	t3 := b.Acquire()
	require.NotNil(t, t3)

	b.SetLimit(1)
	assert.Equal(t, 0, b.Available())
	assert.Equal(t, 3, b.InUse(), "shrinking must not revoke tokens")
	assert.Nil(t, b.Acquire())

	// The budget shrinks as tokens come back.
	t1.Release()
	assert.Equal(t, 0, b.Available())
	t2.Release()
	assert.Equal(t, 0, b.Available())
	t3.Release()
	assert.Equal(t, 1, b.Available())
}

func TestGrowLimit(t *testing.T) {
	b := New(0)
	assert.Nil(t, b.Acquire())
	b.SetLimit(2)
	assert.NotNil(t, b.Acquire())
	assert.Equal(t, 1, b.Available())
	assert.Equal(t, 2, b.Limit())

	b.SetLimit(-5)
	assert.Equal(t, 0, b.Limit())
}

func TestTokenConservation(t *testing.T) {
	const limit = 8
	b := New(limit)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if tok := b.Acquire(); tok != nil {
					tok.Release()
				}
			}
		}()
	}
	wg.Wait()

	// Quiescent: free credits + attached tokens == limit.
	assert.Equal(t, 0, b.InUse())
	assert.Equal(t, limit, b.Available())
}
