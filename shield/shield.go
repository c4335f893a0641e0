// Package shield implements the DDoS protection layer:
// a four-layer scoring pipeline (volume, reputation, resource, pattern)
// aggregated into a weighted score, gating the control API ahead of
// every other component.
package shield

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Fingerprint is the request identity the pipeline scores.
type Fingerprint struct {
	IP        string
	Path      string
	Method    string
	UserAgent string
	BodySize  int
	Timestamp time.Time
}

// Reputation classifies an IP's standing.
type Reputation string

const (
	ReputationGood       Reputation = "good"
	ReputationNeutral    Reputation = "neutral"
	ReputationSuspicious Reputation = "suspicious"
	ReputationMalicious  Reputation = "malicious"
)

// ReputationSource supplies an external, pluggable reputation signal.
// Multiple sources can be combined by the caller before construction;
// Shield itself only consumes the weighted result.
type ReputationSource interface {
	Classify(ip string) (Reputation, float64) // (class, confidence 0..1)
}

// Bucket is the decision-table row a score falls into.
type Bucket string

const (
	BucketNone     Bucket = "none"
	BucketLow      Bucket = "low"
	BucketMedium   Bucket = "medium"
	BucketHigh     Bucket = "high"
	BucketCritical Bucket = "critical"
)

// Action is what the caller (the API middleware) should do.
type Action string

const (
	ActionAllow          Action = "allow"
	ActionRateLimit      Action = "rate_limit"
	ActionDelay          Action = "delay"
	ActionBlock          Action = "block"
	ActionEmergencyBlock Action = "emergency_block"
)

// Decision is the pipeline's verdict for one fingerprint.
type Decision struct {
	Score  float64
	Bucket Bucket
	Action Action
	Delay  time.Duration // populated only for BucketMedium
	Block  time.Duration // populated for BucketHigh/BucketCritical
}

func bucketFor(score float64) Bucket {
	switch {
	case score >= 80:
		return BucketCritical
	case score >= 60:
		return BucketHigh
	case score >= 40:
		return BucketMedium
	case score >= 20:
		return BucketLow
	default:
		return BucketNone
	}
}

func decisionFor(bucket Bucket, score float64) Decision {
	d := Decision{Score: score, Bucket: bucket}
	switch bucket {
	case BucketNone:
		d.Action = ActionAllow
	case BucketLow:
		d.Action = ActionRateLimit
	case BucketMedium:
		d.Action = ActionDelay
		d.Delay = 10 * time.Second
	case BucketHigh:
		d.Action = ActionBlock
		d.Block = 30 * time.Minute
	case BucketCritical:
		d.Action = ActionEmergencyBlock
		d.Block = time.Hour
	}
	return d
}

// Config bounds the shield's per-layer parameters.
type Config struct {
	VolumeRates map[time.Duration]int // per-IP/path token bucket config, passed to catrate.NewLimiter via newVolumeGauge
	ResourceCPUThreshold float64       // fraction of GOMAXPROCS considered stressed, via goroutine count proxy
	PatternWindow        int          // samples retained per IP for inter-arrival heuristics
	DecayInterval        time.Duration
	EmergencyDuration    time.Duration
}

func (c Config) withDefaults() Config {
	if c.VolumeRates == nil {
		c.VolumeRates = map[time.Duration]int{time.Minute: 60, time.Hour: 1000}
	}
	if c.ResourceCPUThreshold <= 0 {
		c.ResourceCPUThreshold = 0.8
	}
	if c.PatternWindow <= 0 {
		c.PatternWindow = 16
	}
	if c.DecayInterval <= 0 {
		c.DecayInterval = 5 * time.Minute
	}
	if c.EmergencyDuration <= 0 {
		c.EmergencyDuration = time.Hour
	}
	return c
}

// Shield runs the four-layer scoring pipeline and tracks adaptive
// defense level.
type Shield struct {
	cfg Config

	volume     *volumeGauge
	pathVolume *volumeGauge

	reputation ReputationSource

	defenseLevel   int32 // 1..5, atomic
	lastIncidentAt atomic.Value // time.Time

	emergencyMu      sync.Mutex
	emergencyUntil   time.Time

	patternMu sync.Mutex
	arrivals  map[string]*arrivalHistory

	blacklistMu sync.Mutex
	blacklist   map[string]time.Time // ip -> expiry; zero means "forever"
}

// New constructs a Shield. reputation may be nil, in which case the
// reputation layer always reports ReputationNeutral with zero weight.
func New(cfg Config, reputation ReputationSource) *Shield {
	cfg = cfg.withDefaults()
	s := &Shield{
		cfg:        cfg,
		volume:     newVolumeGauge(cfg.VolumeRates),
		pathVolume: newVolumeGauge(cfg.VolumeRates),
		reputation: reputation,
		arrivals:   map[string]*arrivalHistory{},
		blacklist:  map[string]time.Time{},
	}
	s.defenseLevel = 1
	s.lastIncidentAt.Store(time.Time{})
	return s
}

// DefenseLevel reports the current adaptive level, 1 (baseline) to 5
// (maximum hardening).
func (s *Shield) DefenseLevel() int { return int(atomic.LoadInt32(&s.defenseLevel)) }

// Evaluate scores fp and returns the resulting Decision, updating
// internal state (volume buckets, pattern history, defense level) as a
// side effect.
func (s *Shield) Evaluate(fp Fingerprint) Decision {
	if s.isBlacklisted(fp.IP) {
		return decisionFor(BucketCritical, 100)
	}
	if s.inEmergencyMode() {
		return decisionFor(BucketCritical, 100)
	}

	v := s.volumeScore(fp)
	r := s.reputationScore(fp)
	res := s.resourceScore()
	p := s.patternScore(fp)
	geo := 0.0 // no geo source wired; contributes 0 until one is configured

	level := float64(s.DefenseLevel())
	score := (0.30*v + 0.25*p + 0.20*r + 0.15*res + 0.10*geo) * (1 + 0.1*(level-1))
	if score > 100 {
		score = 100
	}

	bucket := bucketFor(score)
	s.recordOutcome(bucket)
	return decisionFor(bucket, score)
}

func (s *Shield) volumeScore(fp Fingerprint) float64 {
	ipScore := s.volume.score(fp.IP)
	pathScore := s.pathVolume.score(fp.Path)
	if pathScore > ipScore {
		return clamp100(pathScore)
	}
	return clamp100(ipScore)
}

func (s *Shield) reputationScore(fp Fingerprint) float64 {
	if s.reputation == nil {
		return 0
	}
	class, confidence := s.reputation.Classify(fp.IP)
	var base float64
	switch class {
	case ReputationMalicious:
		base = 100
	case ReputationSuspicious:
		base = 60
	case ReputationNeutral:
		base = 20
	case ReputationGood:
		base = 0
	}
	return clamp100(base * confidence)
}

func (s *Shield) resourceScore() float64 {
	goroutines := runtime.NumGoroutine()
	procs := runtime.GOMAXPROCS(0)
	if procs <= 0 {
		procs = 1
	}
	// goroutines-per-proc is a cheap stress proxy in place of a real
	// CPU/mem sampler.
	ratio := float64(goroutines) / float64(procs*256)
	if ratio <= s.cfg.ResourceCPUThreshold {
		return 0
	}
	return clamp100((ratio - s.cfg.ResourceCPUThreshold) * 200)
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func (s *Shield) recordOutcome(bucket Bucket) {
	if bucket == BucketHigh || bucket == BucketCritical {
		s.lastIncidentAt.Store(time.Now())
		s.raiseDefenseLevel()
	}
	if bucket == BucketCritical {
		s.triggerEmergency()
	}
}

func (s *Shield) raiseDefenseLevel() {
	for {
		cur := atomic.LoadInt32(&s.defenseLevel)
		if cur >= 5 {
			return
		}
		if atomic.CompareAndSwapInt32(&s.defenseLevel, cur, cur+1) {
			return
		}
	}
}

func (s *Shield) triggerEmergency() {
	s.emergencyMu.Lock()
	defer s.emergencyMu.Unlock()
	s.emergencyUntil = time.Now().Add(s.cfg.EmergencyDuration)
}

func (s *Shield) inEmergencyMode() bool {
	s.emergencyMu.Lock()
	defer s.emergencyMu.Unlock()
	return time.Now().Before(s.emergencyUntil)
}

// Blacklist forces every request from ip to score as BucketCritical for
// the given duration (0 means indefinitely), backing the
// POST /admin/blacklist/{ip} control endpoint.
func (s *Shield) Blacklist(ip string, d time.Duration) {
	s.blacklistMu.Lock()
	defer s.blacklistMu.Unlock()
	if d <= 0 {
		s.blacklist[ip] = time.Time{}
		return
	}
	s.blacklist[ip] = time.Now().Add(d)
}

// Unblacklist removes a manual block, e.g. once an operator confirms an
// IP was misclassified.
func (s *Shield) Unblacklist(ip string) {
	s.blacklistMu.Lock()
	defer s.blacklistMu.Unlock()
	delete(s.blacklist, ip)
}

func (s *Shield) isBlacklisted(ip string) bool {
	s.blacklistMu.Lock()
	defer s.blacklistMu.Unlock()
	until, ok := s.blacklist[ip]
	if !ok {
		return false
	}
	if until.IsZero() {
		return true
	}
	if time.Now().After(until) {
		delete(s.blacklist, ip)
		return false
	}
	return true
}

// DecayTick decays defenseLevel by one step if DecayInterval has elapsed
// since the last recorded incident, per the adaptive-defense rule. It is
// intended to be called from a ticker loop, e.g. alongside the recovery
// sweep.
func (s *Shield) DecayTick() {
	last, _ := s.lastIncidentAt.Load().(time.Time)
	if time.Since(last) < s.cfg.DecayInterval {
		return
	}
	for {
		cur := atomic.LoadInt32(&s.defenseLevel)
		if cur <= 1 {
			return
		}
		if atomic.CompareAndSwapInt32(&s.defenseLevel, cur, cur-1) {
			s.lastIncidentAt.Store(time.Now())
			return
		}
	}
}
