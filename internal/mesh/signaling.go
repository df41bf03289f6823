package mesh

import (
	"sync"

	"warfront/client/internal/coord"
	"warfront/client/internal/logging"
	"warfront/client/internal/ptp"
)

// Control pushes encoded envelopes onto the lobby control channel. The
// websocket client satisfies it.
type Control interface {
	Send(message []byte) error
}

type queuedSignal struct {
	peer    int64
	payload []byte
}

// SignalingChannel is store-and-forward for opaque handshake blobs between two
// peers that cannot yet talk directly, carried over the server control
// channel. It holds no connection-lifecycle logic.
//
// The outbound queue is mutex-guarded because the transport's own callbacks
// enqueue from non-main goroutines; everything else in the mesh is
// main-thread only.
type SignalingChannel struct {
	logger *logging.Logger
	limit  int

	mu       sync.Mutex
	outbound []queuedSignal
	dropped  uint64

	// inbound is only touched on the main goroutine (control dispatch and
	// Poll), but shares the mutex for symmetry.
	inbound []queuedSignal
}

var _ ptp.SignalSender = (*SignalingChannel)(nil)

// NewSignalingChannel creates a channel with the given outbound queue bound.
func NewSignalingChannel(limit int, logger *logging.Logger) *SignalingChannel {
	if limit <= 0 {
		limit = 128
	}
	if logger == nil {
		logger = logging.L()
	}
	return &SignalingChannel{logger: logger, limit: limit}
}

// SendSignal implements ptp.SignalSender. When the queue is full the oldest
// entry is dropped: stale handshake blobs are superseded by retries, so
// best-effort beats unbounded growth under a stuck link.
func (s *SignalingChannel) SendSignal(target int64, payload []byte) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if len(s.outbound) >= s.limit {
		dropped := s.outbound[0]
		s.outbound = s.outbound[1:]
		s.dropped++
		s.logger.Warn("outbound signal queue full, dropping oldest",
			logging.Int64("dropped_target", dropped.peer),
			logging.Int("limit", s.limit))
	}
	s.outbound = append(s.outbound, queuedSignal{peer: target, payload: payload})
	s.mu.Unlock()
}

// Deliver buffers one inbound blob from the control channel until the next
// Poll.
func (s *SignalingChannel) Deliver(from int64, payload []byte) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.inbound = append(s.inbound, queuedSignal{peer: from, payload: payload})
	s.mu.Unlock()
}

// Dropped returns how many outbound blobs were discarded under backpressure.
func (s *SignalingChannel) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Poll runs once per tick: flushes the outbound queue to the control channel,
// then feeds buffered inbound blobs into the transport. The transport may
// surface an incoming-request event for an unexpected initiator; that event
// carries a handle back to the mesh rather than a connection built here.
func (s *SignalingChannel) Poll(control Control, transport ptp.Transport) {
	if s == nil {
		return
	}
	s.mu.Lock()
	outbound := s.outbound
	s.outbound = nil
	inbound := s.inbound
	s.inbound = nil
	s.mu.Unlock()

	//1.- Outbound first so retries triggered by the inbound batch queue behind them.
	for _, signal := range outbound {
		if control == nil {
			s.logger.Warn("no control channel, dropping outbound signal",
				logging.Int64("target", signal.peer))
			continue
		}
		frame, err := coord.EncodeMessage(coord.Signal{
			MsgID:        coord.MsgNetworkSignal,
			TargetUserID: signal.peer,
			Payload:      signal.payload,
		})
		if err != nil {
			s.logger.Error("encoding signal frame", logging.Error(err))
			continue
		}
		if err := control.Send(frame); err != nil {
			s.logger.Warn("control channel rejected signal",
				logging.Int64("target", signal.peer), logging.Error(err))
		}
	}
	if transport == nil {
		return
	}
	for _, signal := range inbound {
		transport.ProcessSignal(signal.peer, signal.payload, s)
	}
}
