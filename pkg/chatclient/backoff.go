package chatclient

import "time"

// reconnectDelays mirrors the retry schedule the web client uses: an
// immediate retry, then increasingly spaced attempts capped at 30s.
var reconnectDelays = []time.Duration{
	0,
	2 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// ReconnectDelay returns the wait before reconnect attempt n (0-based).
// Attempts past the schedule reuse the final delay.
func ReconnectDelay(attempt int) time.Duration {
	if attempt < 0 {
		return 0
	}
	if attempt >= len(reconnectDelays) {
		return reconnectDelays[len(reconnectDelays)-1]
	}
	return reconnectDelays[attempt]
}
