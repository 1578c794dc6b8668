package upstream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDestinationStats_CallCounters(t *testing.T) {
	s := newDestinationStats()

	s.recordCall(true, false)
	s.recordCall(true, false)
	s.recordCall(false, false)
	s.recordCall(false, true)
	s.recordBreakerRejection()

	snap := s.snapshot()
	assert.Equal(t, uint64(4), snap.Calls)
	assert.Equal(t, uint64(2), snap.Successes)
	assert.Equal(t, uint64(2), snap.Failures)
	assert.Equal(t, uint64(1), snap.RetriesExhausted)
	assert.Equal(t, uint64(1), snap.BreakerRejections)
}

func TestDestinationStats_ByClass(t *testing.T) {
	s := newDestinationStats()

	for i := 0; i < 3; i++ {
		s.recordAttempt(ClassSuccess, time.Millisecond)
	}
	s.recordAttempt(ClassServerError, time.Millisecond)
	s.recordAttempt(ClassServerError, time.Millisecond)
	// Decode failures are accounted without inflating the attempt count.
	s.recordClass(ClassParseError)
	s.recordClass(Class(99))

	snap := s.snapshot()
	assert.Equal(t, uint64(5), snap.Attempts)
	assert.Equal(t, uint64(3), snap.ByClass[ClassSuccess])
	assert.Equal(t, uint64(2), snap.ByClass[ClassServerError])
	assert.Equal(t, uint64(1), snap.ByClass[ClassParseError])
	assert.NotContains(t, snap.ByClass, ClassTimeout)
}

func TestDestinationStats_PercentilesNeedMinimumSamples(t *testing.T) {
	s := newDestinationStats()

	for i := 0; i < defaultStatsMinSamples-1; i++ {
		s.recordAttempt(ClassSuccess, 5*time.Millisecond)
	}

	snap := s.snapshot()
	assert.Equal(t, defaultStatsMinSamples-1, snap.Samples)
	assert.Zero(t, snap.LatencyP50)
	assert.Zero(t, snap.LatencyP95)
	assert.Zero(t, snap.LatencyP99)
}

func TestDestinationStats_Percentiles(t *testing.T) {
	s := newDestinationStats()

	for i := 1; i <= 100; i++ {
		s.recordAttempt(ClassSuccess, time.Duration(i)*time.Millisecond)
	}

	snap := s.snapshot()
	assert.Equal(t, 100, snap.Samples)
	assert.Equal(t, 50*time.Millisecond, snap.LatencyP50)
	assert.Equal(t, 95*time.Millisecond, snap.LatencyP95)
	assert.Equal(t, 99*time.Millisecond, snap.LatencyP99)
}

func TestDestinationStats_WindowSlides(t *testing.T) {
	s := newDestinationStats()

	for i := 0; i < defaultStatsWindow; i++ {
		s.recordAttempt(ClassSuccess, 10*time.Millisecond)
	}
	for i := 0; i < defaultStatsWindow; i++ {
		s.recordAttempt(ClassSuccess, 20*time.Millisecond)
	}

	snap := s.snapshot()
	assert.Equal(t, defaultStatsWindow, snap.Samples)
	assert.Equal(t, 20*time.Millisecond, snap.LatencyP50, "old samples rotate out of the window")
	assert.Equal(t, 20*time.Millisecond, snap.LatencyP99)
}

func TestDestinationStats_ConcurrentAccess(t *testing.T) {
	s := newDestinationStats()

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.recordAttempt(ClassSuccess, time.Millisecond)
				s.recordCall(true, false)
				_ = s.snapshot()
			}
		}()
	}
	wg.Wait()

	snap := s.snapshot()
	assert.Equal(t, uint64(1000), snap.Attempts)
	assert.Equal(t, uint64(1000), snap.Calls)
}

func TestPercentileOf(t *testing.T) {
	tests := []struct {
		name   string
		sorted []time.Duration
		p      float64
		want   time.Duration
	}{
		{
			name:   "given empty slice, then returns zero",
			sorted: nil,
			p:      0.5,
			want:   0,
		},
		{
			name:   "given single sample, then returns it for any percentile",
			sorted: []time.Duration{7 * time.Millisecond},
			p:      0.99,
			want:   7 * time.Millisecond,
		},
		{
			name:   "given even spread, then p50 is the middle",
			sorted: []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
			p:      0.5,
			want:   5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, percentileOf(tt.sorted, tt.p))
		})
	}
}
