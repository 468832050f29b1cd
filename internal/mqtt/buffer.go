package mqtt

import "log/slog"

// bufferedMsg stores a serialized MQTT message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// ringBuffer is a fixed-capacity FIFO that stores messages while disconnected.
// When full, the oldest message is overwritten.
// Not safe for concurrent use; caller must synchronize.
type ringBuffer struct {
	buf     []bufferedMsg
	head    int // next write position
	count   int
	dropped int // overwritten since last drain
	logger  *slog.Logger
}

func newRingBuffer(capacity int, logger *slog.Logger) *ringBuffer {
	return &ringBuffer{
		buf:    make([]bufferedMsg, capacity),
		logger: logger,
	}
}

func (r *ringBuffer) push(msg bufferedMsg) {
	size := len(r.buf)
	r.buf[r.head] = msg
	r.head = (r.head + 1) % size
	if r.count < size {
		r.count++
		return
	}
	if r.dropped == 0 {
		r.logger.Warn("offline buffer full, dropping oldest", "capacity", size)
	}
	r.dropped++
}

// drainAll returns buffered messages oldest first and empties the buffer.
func (r *ringBuffer) drainAll() []bufferedMsg {
	if r.count == 0 {
		return nil
	}
	size := len(r.buf)
	out := make([]bufferedMsg, r.count)
	start := (r.head - r.count + size) % size
	for i := range out {
		out[i] = r.buf[(start+i)%size]
	}
	if r.dropped > 0 {
		r.logger.Warn("offline messages were dropped", "dropped", r.dropped)
	}
	r.count = 0
	r.head = 0
	r.dropped = 0
	return out
}

func (r *ringBuffer) len() int {
	return r.count
}
