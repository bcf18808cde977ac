package fasttransfre

import (
	"time"
)

// TransferStats is a snapshot-computed view of session progress. It is read
// by external collaborators (CLI, UI) and never mutated outside the
// pipelines.
type TransferStats struct {
	FileName        string
	TotalBytes      int64
	BytesCompleted  int64
	SubChunksTotal  int
	SubChunksAcked  int
	MainChunksTotal int
	MainChunksAcked int
	Failed          int
	Rate            float64 // bytes per second, instantaneous
}

// ProgressCallback receives periodic stats snapshots during a transfer
type ProgressCallback func(stats TransferStats)

// rateMeter derives an instantaneous rate from successive byte counters,
// smoothed with an exponential moving average.
type rateMeter struct {
	lastTime  time.Time
	lastBytes int64
	rate      float64
}

func (m *rateMeter) observe(bytes int64) float64 {
	now := time.Now()
	if m.lastTime.IsZero() {
		m.lastTime = now
		m.lastBytes = bytes
		return 0
	}
	dt := now.Sub(m.lastTime).Seconds()
	if dt <= 0 {
		return m.rate
	}
	instant := float64(bytes-m.lastBytes) / dt
	if m.rate == 0 {
		m.rate = instant
	} else {
		m.rate = 0.7*m.rate + 0.3*instant
	}
	m.lastTime = now
	m.lastBytes = bytes
	return m.rate
}
