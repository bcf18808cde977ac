package fasttransfre

// Channel is the transport contract consumed by the pipelines: a reliable,
// in-order, bidirectional message channel. BufferedAmount and the low-water
// event are the only authoritative flow-control signals; the sender never
// inspects the transport below this interface.
type Channel interface {
	// Send enqueues one frame. It returns a TRANSIENT_SEND error when the
	// transport queue is full and a CHANNEL_CLOSED error once the channel is
	// closed.
	Send(frame []byte) error

	// Recv delivers incoming frames in transport order. The channel is
	// closed when the underlying connection goes away.
	Recv() <-chan []byte

	// BufferedAmount reports bytes accepted by Send but not yet handed to
	// the network.
	BufferedAmount() int64

	// SetLowWaterThreshold configures the buffered amount below which a
	// low-water event fires.
	SetLowWaterThreshold(n int64)

	// LowWater fires (coalesced) whenever BufferedAmount drains below the
	// configured threshold.
	LowWater() <-chan struct{}

	// Done is closed when the channel closes, whichever side initiated it.
	Done() <-chan struct{}

	Close() error
}
