package shield

import (
	"sync"
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// volumeGauge turns catrate.Limiter's admit/deny outcome into a
// continuous 0-100 pressure score for the volume layer's weighted
// contribution. go-catrate's own Limiter exposes
// only Allow (admit or deny, plus the next retry time); it carries no
// exported occupancy snapshot, so the fractional score needed for the
// weighted sum is tracked here as an exponential moving average of
// recent Allow outcomes rather than by reaching into the library's
// internal ring buffer.
type volumeGauge struct {
	limiter *catrate.Limiter

	mu  sync.Mutex
	ema map[string]float64
}

func newVolumeGauge(rates map[time.Duration]int) *volumeGauge {
	return &volumeGauge{
		limiter: catrate.NewLimiter(rates),
		ema:     map[string]float64{},
	}
}

// emaAlpha weights the most recent Allow outcome against prior history:
// a single rejection brings a previously-quiet category to one fifth of
// max pressure, so only sustained rejections climb toward saturation.
const emaAlpha = 0.2

// score registers one event against category and returns the updated
// pressure estimate in [0, 100].
func (g *volumeGauge) score(category string) float64 {
	_, allowed := g.limiter.Allow(category)

	var outcome float64
	if !allowed {
		outcome = 1
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	next := emaAlpha*outcome + (1-emaAlpha)*g.ema[category]
	g.ema[category] = next
	return next * 100
}
