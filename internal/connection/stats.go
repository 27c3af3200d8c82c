package connection

import "time"

// Quality grades a connection from its reconnect history and latency.
type Quality string

const (
	QualityUnknown   Quality = "unknown"
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// Stats are per-entry counters since the entry was created.
type Stats struct {
	TotalConnections      int
	SuccessfulConnections int
	FailedConnections     int
	AverageConnectTime    time.Duration
	MessagesReceived      int64
	MessagesSent          int64
	ReconnectAttempts     int
	AverageLatency        time.Duration
	Quality               Quality
	CreatedAt             time.Time
	ConnectedAt           time.Time // Zero while not open
}

// Uptime returns how long the current transport has been open.
func (s Stats) Uptime(now time.Time) time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	return now.Sub(s.ConnectedAt)
}

// statsState accumulates Stats under the lifecycle lock.
type statsState struct {
	Stats
	latencySamples int64
}

func (s *statsState) recordConnected(took time.Duration, now time.Time) {
	s.SuccessfulConnections++
	n := time.Duration(s.SuccessfulConnections)
	s.AverageConnectTime = (s.AverageConnectTime*(n-1) + took) / n
	s.ConnectedAt = now
}

func (s *statsState) recordLatency(d time.Duration) {
	if d < 0 {
		return
	}
	s.latencySamples++
	n := time.Duration(s.latencySamples)
	s.AverageLatency = (s.AverageLatency*(n-1) + d) / n
}

// snapshot returns the counters with a quality grade for the given state.
func (s *statsState) snapshot(connected bool) Stats {
	out := s.Stats
	out.Quality = gradeQuality(connected, s.ReconnectAttempts, s.AverageLatency, s.latencySamples > 0)
	return out
}

// gradeQuality mirrors the thresholds the web client shows to operators.
func gradeQuality(connected bool, reconnects int, latency time.Duration, measured bool) Quality {
	switch {
	case !connected:
		return QualityUnknown
	case reconnects > 3:
		return QualityPoor
	case latency > time.Second:
		return QualityFair
	case reconnects == 0 && (!measured || latency < 100*time.Millisecond):
		return QualityExcellent
	default:
		return QualityGood
	}
}
