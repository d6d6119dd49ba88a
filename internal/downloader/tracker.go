package downloader

import (
	"sync"
	"time"
)

const (
	// Minimum time between rate samples; bursty fetcher callbacks below this
	// floor are deferred to keep the estimate stable.
	sampleFloor = 500 * time.Millisecond

	// Exponential smoothing weights for the carried rate vs the instant rate.
	smoothPrev    = 0.7
	smoothCurrent = 0.3
)

type speedSample struct {
	lastTime  time.Time
	lastBytes int64
	rate      float64
}

// SpeedTracker maintains an exponentially smoothed transfer rate per active
// download. State is presentation-only and discarded when a job leaves the
// active set; it is not persisted.
type SpeedTracker struct {
	mu      sync.Mutex
	samples map[string]*speedSample
	now     func() time.Time
}

// NewSpeedTracker creates an empty tracker.
func NewSpeedTracker() *SpeedTracker {
	return &SpeedTracker{
		samples: make(map[string]*speedSample),
		now:     time.Now,
	}
}

// Update records a progress observation for the given fingerprint.
func (t *SpeedTracker) Update(fingerprint string, downloadedBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	s, ok := t.samples[fingerprint]
	if !ok {
		t.samples[fingerprint] = &speedSample{lastTime: now, lastBytes: downloadedBytes}
		return
	}

	elapsed := now.Sub(s.lastTime)
	if elapsed < sampleFloor {
		return
	}

	instant := float64(downloadedBytes-s.lastBytes) / elapsed.Seconds()
	s.rate = s.rate*smoothPrev + instant*smoothCurrent
	s.lastTime = now
	s.lastBytes = downloadedBytes
}

// Rate returns the smoothed transfer rate in bytes per second, or 0 when the
// fingerprint is unknown.
func (t *SpeedTracker) Rate(fingerprint string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.samples[fingerprint]; ok {
		return s.rate
	}
	return 0
}

// Remove discards tracking state for a fingerprint.
func (t *SpeedTracker) Remove(fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.samples, fingerprint)
}
