package fasttransfre

import "time"

// Config holds the tunable parameters of a transfer session. Both sides use
// the same defaults; chunk geometry is announced via file-start totals.
type Config struct {
	// MainSize is the size of a main chunk, the coarse unit of progress
	MainSize int64
	// SubSize is the size of a sub-chunk and thus of a data-frame payload
	SubSize int64
	// HighWaterMark pauses the sender while BufferedAmount exceeds it
	HighWaterMark int64
	// LowWaterThreshold is where the channel fires its low-water event
	LowWaterThreshold int64
	// MaxConcurrentSends caps in-flight unacked sub-chunks
	MaxConcurrentSends int
	// MaxRetries is the per-sub-chunk retry budget before the session fails
	MaxRetries int
	// AdaptivePacing enables the bounded inter-send delay adjustment
	AdaptivePacing bool
	// NackGracePeriod is how long the receiver waits without progress before
	// scanning for missing sub-chunks
	NackGracePeriod time.Duration
	// NackBatchSize bounds the indexes carried by one chunk-nack
	NackBatchSize int
}

// DefaultConfig returns the standard parameter set
func DefaultConfig() *Config {
	return &Config{
		MainSize:           DefaultMainSize,
		SubSize:            DefaultSubSize,
		HighWaterMark:      64 * 1024 * 1024,
		LowWaterThreshold:  1024 * 1024,
		MaxConcurrentSends: 3,
		MaxRetries:         3,
		AdaptivePacing:     true,
		NackGracePeriod:    5 * time.Second,
		NackBatchSize:      64,
	}
}

// DataChannelConfig returns a parameter set sized for WebRTC data channels,
// whose SCTP transport bounds single message size well below the default
// sub-chunk size. Both ends of a session must use the same geometry.
func DataChannelConfig() *Config {
	cfg := DefaultConfig()
	cfg.SubSize = 64 * 1024
	cfg.MainSize = 16 * 1024 * 1024
	cfg.HighWaterMark = 8 * 1024 * 1024
	return cfg
}
