package shield

import (
	"strings"
	"time"
)

// ring is a small fixed-capacity ring buffer of arrival timestamps,
// generalized from catrate's unexported ringBuffer[E] for this
// package's own element type rather than importing it directly.
type ring struct {
	buf  []time.Time
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]time.Time, size)}
}

func (r *ring) push(t time.Time) {
	r.buf[r.next] = t
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// values returns the stored timestamps in insertion order (oldest first).
func (r *ring) values() []time.Time {
	if !r.full {
		return append([]time.Time{}, r.buf[:r.next]...)
	}
	out := make([]time.Time, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

type arrivalHistory struct {
	arrivals *ring
}

var suspiciousPathSubstrings = []string{
	"/.env", "/.git", "/wp-admin", "/phpmyadmin", "/../", "/etc/passwd",
}

const (
	tinyUserAgentThreshold = 8
	oversizeBodyThreshold  = 1 << 20 // 1 MiB
	// regularityEpsilon bounds how close consecutive inter-arrival gaps
	// must be, in nanoseconds, to be treated as bot-like near-identical
	// timing rather than human jitter.
	regularityEpsilon = 50 * time.Millisecond
)

// patternScore implements the pattern layer: heuristic flags for
// suspicious paths, tiny user agents, oversize bodies, and near-
// identical inter-arrival times, combined into a 0-100 score.
func (s *Shield) patternScore(fp Fingerprint) float64 {
	var score float64

	lowerPath := strings.ToLower(fp.Path)
	for _, needle := range suspiciousPathSubstrings {
		if strings.Contains(lowerPath, needle) {
			score += 40
			break
		}
	}
	if len(fp.UserAgent) > 0 && len(fp.UserAgent) < tinyUserAgentThreshold {
		score += 20
	}
	if fp.BodySize > oversizeBodyThreshold {
		score += 20
	}
	if s.recordArrivalAndCheckRegularity(fp) {
		score += 30
	}

	return clamp100(score)
}

func (s *Shield) recordArrivalAndCheckRegularity(fp Fingerprint) bool {
	s.patternMu.Lock()
	defer s.patternMu.Unlock()

	hist, ok := s.arrivals[fp.IP]
	if !ok {
		hist = &arrivalHistory{arrivals: newRing(s.cfg.PatternWindow)}
		s.arrivals[fp.IP] = hist
	}
	hist.arrivals.push(fp.Timestamp)

	values := hist.arrivals.values()
	if len(values) < 3 {
		return false
	}
	return hasNearIdenticalGaps(values)
}

// hasNearIdenticalGaps reports whether consecutive inter-arrival gaps in
// times are within regularityEpsilon of one another across the whole
// window, the signature of a scripted client rather than a human.
func hasNearIdenticalGaps(times []time.Time) bool {
	if len(times) < 3 {
		return false
	}
	first := times[1].Sub(times[0])
	for i := 2; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		diff := gap - first
		if diff < 0 {
			diff = -diff
		}
		if diff > regularityEpsilon {
			return false
		}
	}
	return true
}
