package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucket_ZeroRate_NeverAdmits(t *testing.T) {
	b := NewBucket(0, 5)
	for i := 0; i < 10; i++ {
		assert.False(t, b.TryAcquire())
	}
}

func TestBucket_ZeroRate_StillNeverAdmitsAfterElapsedTime(t *testing.T) {
	b := NewBucket(0, 5)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, b.TryAcquire())
}

func TestBucket_PositiveRate_AdmitsUpToCapacityThenDenies(t *testing.T) {
	b := NewBucket(1, 2)
	require.True(t, b.TryAcquire())
	require.True(t, b.TryAcquire())
	assert.False(t, b.TryAcquire())
}

func TestBucket_RefillsOverTime(t *testing.T) {
	b := NewBucket(50, 1)
	require.True(t, b.TryAcquire())
	require.False(t, b.TryAcquire())
	time.Sleep(30 * time.Millisecond)
	assert.True(t, b.TryAcquire())
}

func TestBucket_SetRate_ReconfiguresAtRuntime(t *testing.T) {
	b := NewBucket(0, 5)
	assert.False(t, b.TryAcquire())
	b.SetRate(100, 5)
	assert.True(t, b.TryAcquire())
	b.SetRate(0, 5)
	assert.False(t, b.TryAcquire())
}

func TestLimiter_KeysAreIndependentPerQueue(t *testing.T) {
	l := NewLimiter(0, 5)
	l.SetRate("imaging-primary", Primary, 100, 5)
	assert.True(t, l.TryAcquire("imaging-primary", Primary))
	assert.False(t, l.TryAcquire("imaging-primary", Secondary))
	assert.False(t, l.TryAcquire("imaging-secondary", Primary))
}
