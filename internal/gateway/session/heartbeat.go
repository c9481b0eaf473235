package session

import "time"

// maxMissedAcks is the number of consecutive unacknowledged beats that forces a
// reconnect.
const maxMissedAcks = 2

type heartbeat struct {
	interval    time.Duration
	next        time.Time
	lastSent    time.Time
	lastAck     time.Time
	awaitingAck bool
	missed      int
	latency     time.Duration
}

// start schedules the first beat at interval*jitter so shards greeted together do
// not beat in lockstep.
func (h *heartbeat) start(now time.Time, interval time.Duration, jitter float64) {
	if jitter < 0 || jitter >= 1 {
		jitter = 0
	}
	*h = heartbeat{
		interval: interval,
		next:     now.Add(time.Duration(float64(interval) * jitter)),
	}
}

func (h *heartbeat) stop() {
	*h = heartbeat{}
}

func (h *heartbeat) running() bool {
	return h.interval > 0
}

func (h *heartbeat) sent(now time.Time) {
	h.lastSent = now
	h.awaitingAck = true
	h.next = now.Add(h.interval)
}

func (h *heartbeat) acked(now time.Time) time.Duration {
	if h.awaitingAck && !h.lastSent.IsZero() {
		h.latency = now.Sub(h.lastSent)
	}
	h.awaitingAck = false
	h.missed = 0
	h.lastAck = now
	return h.latency
}

// due counts a miss when the previous beat is still unacknowledged and reports
// whether the miss budget is exhausted.
func (h *heartbeat) due() (exhausted bool) {
	if h.awaitingAck {
		h.missed++
	}
	return h.missed >= maxMissedAcks
}
