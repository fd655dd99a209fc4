package processional

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Ping measures the round trip to the slave. Pings are answered by the
// slave's receive loop, so a busy executor does not delay them.
func (h *SlaveHandle) Ping(ctx context.Context) (time.Duration, error) {
	h.mu.Lock()
	if h.state != HandleAlive {
		err := h.closedError()
		h.mu.Unlock()
		return 0, err
	}
	h.nextID++
	id := h.nextID
	reply := make(chan error, 1)
	h.pings[id] = reply
	h.mu.Unlock()

	start := time.Now()
	body, err := packPayload(pingPayload{Timestamp: start.UnixNano()})
	if err == nil {
		err = h.sendFrame(MessagePing, id, body)
	}
	if err != nil {
		h.forgetPing(id)
		return 0, err
	}

	select {
	case err := <-reply:
		if err != nil {
			return 0, err
		}
		return time.Since(start), nil
	case <-ctx.Done():
		h.forgetPing(id)
		return 0, fmt.Errorf("%w: ping: %w", ErrWaitTimeout, ctx.Err())
	}
}

func (h *SlaveHandle) forgetPing(id uint64) {
	h.mu.Lock()
	delete(h.pings, id)
	h.mu.Unlock()
}

// heartbeatLoop pings the slave every HeartbeatInterval and declares the
// connection lost after HeartbeatMaxMisses consecutive timeouts.
func (h *SlaveHandle) heartbeatLoop() {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-h.hbStop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.HeartbeatTimeout)
		rtt, err := h.Ping(ctx)
		cancel()

		if err == nil {
			if misses > 0 {
				h.log.Info("heartbeat recovered", zap.Int("missed", misses))
			}
			misses = 0
			h.metrics.RecordHeartbeatRtt(rtt)
			continue
		}
		if !errors.Is(err, ErrWaitTimeout) {
			return
		}

		misses++
		h.metrics.RecordHeartbeatMiss()
		h.log.Warn("heartbeat missed",
			zap.Int("misses", misses),
			zap.Int("max", h.cfg.HeartbeatMaxMisses))
		if misses >= h.cfg.HeartbeatMaxMisses {
			h.lose(fmt.Errorf("%d consecutive heartbeats missed", misses))
			return
		}
	}
}
