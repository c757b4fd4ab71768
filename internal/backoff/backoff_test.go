package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	base := 2 * time.Second
	max := 5 * time.Minute

	tests := []struct {
		name       string
		retryCount int
		want       time.Duration
	}{
		{name: "first retry", retryCount: 1, want: 2 * time.Second},
		{name: "second retry", retryCount: 2, want: 4 * time.Second},
		{name: "third retry", retryCount: 3, want: 8 * time.Second},
		{name: "seventh retry", retryCount: 7, want: 128 * time.Second},
		{name: "capped", retryCount: 8, want: 5 * time.Minute},
		{name: "way past cap", retryCount: 40, want: 5 * time.Minute},
		{name: "zero treated as first", retryCount: 0, want: 2 * time.Second},
		{name: "negative treated as first", retryCount: -3, want: 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Delay(base, max, tt.retryCount))
		})
	}
}

func TestDelay_NonDecreasing(t *testing.T) {
	prev := time.Duration(0)
	for n := 1; n <= 100; n++ {
		d := Delay(100*time.Millisecond, time.Hour, n)
		assert.GreaterOrEqual(t, d, prev, "retry %d", n)
		prev = d
	}
}

func TestDelay_OverflowCapsAtMax(t *testing.T) {
	// base << big shift would overflow int64 without the guard
	got := Delay(time.Hour, 24*time.Hour, 63)
	assert.Equal(t, 24*time.Hour, got)
}

func TestDelay_Degenerate(t *testing.T) {
	assert.Equal(t, time.Duration(0), Delay(0, time.Minute, 3))
	assert.Equal(t, time.Minute, Delay(2*time.Minute, time.Minute, 1))
}

func TestWithJitter_Bounds(t *testing.T) {
	d := 10 * time.Second
	for i := 0; i < 1000; i++ {
		j := WithJitter(d)
		assert.GreaterOrEqual(t, j, d/2)
		assert.Less(t, j, d)
	}
	assert.Equal(t, time.Duration(0), WithJitter(0))
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), 0))
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
