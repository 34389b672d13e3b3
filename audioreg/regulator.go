// Package audioreg implements the jitter buffer sitting between the audio
// decoder (producer) and the audio sink (pull consumer): target/maximum
// buffering, drift-based resync, and under/overflow accounting. Grounded on
// the teacher's mutex-guarded shared-state idiom (keyFrameMutex) applied to
// a ring buffer of float32 samples.
package audioreg

import (
	"math"
	"sync"

	"mirrorcore/ring"
)

const resyncCheckInterval = 960 // 20ms @ 48kHz

// Config holds the millisecond parameters the regulator is constructed
// with; Samples() converts them to sample counts for a given sample rate
// and channel count.
type Config struct {
	TargetMs   int
	MaxMs      int
	ResyncMs   int
	Channels   int
	SampleRate int
}

// DefaultConfig matches spec defaults: target=50ms, max=200ms, resync=100ms.
func DefaultConfig() Config {
	return Config{TargetMs: 50, MaxMs: 200, ResyncMs: 100, Channels: 2, SampleRate: 48000}
}

// Stats exposes the regulator's accounting counters for tests and
// diagnostics.
type Stats struct {
	PushedSamples    uint64
	ConsumedSamples  uint64
	UnderflowSamples uint64
	OverflowSamples  uint64
	BufferedSamples  int
}

// Regulator is safe for concurrent Push/Pull from different goroutines
// (decoder worker pushes, audio-sink pull thread pulls).
type Regulator struct {
	mu sync.Mutex

	channels int
	target   int // samples (interleaved, i.e. frames*channels)
	max      int
	resync   int

	ring *ring.Buffer[float32]

	hasPlayed bool

	avgBuffering        float64
	avgBufferingPrimed  bool
	compensationPending float64
	consumedSinceCheck  int

	pushed, consumed, underflow, overflow uint64
}

// New constructs a Regulator from cfg. Capacity is sized one above max so
// the ring can hold exactly max samples (one slot is always reserved to
// distinguish full from empty).
func New(cfg Config) *Regulator {
	target := cfg.TargetMs * cfg.SampleRate * cfg.Channels / 1000
	max := cfg.MaxMs * cfg.SampleRate * cfg.Channels / 1000
	resync := cfg.ResyncMs * cfg.SampleRate * cfg.Channels / 1000
	if max < 2 {
		max = 2
	}
	return &Regulator{
		channels: cfg.Channels,
		target:   target,
		max:      max,
		resync:   resync,
		ring:     ring.New[float32](max + 1),
	}
}

// Push appends decoded samples. If the buffer would exceed max, the oldest
// available samples (first from whatever is already buffered, then from the
// front of the incoming batch) are dropped and counted into overflow.
func (r *Regulator) Push(samples []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(samples)
	r.pushed += uint64(n)

	count := r.ring.Count()
	if count+n > r.max {
		deficit := count + n - r.max
		dropFromRing := deficit
		if dropFromRing > count {
			dropFromRing = count
		}
		r.ring.Skip(dropFromRing)
		remaining := deficit - dropFromRing
		samples = samples[remaining:]
		r.overflow += uint64(deficit)
	}
	r.ring.WriteBulk(samples)
	r.updateAvgBuffering()
}

// Pull returns nFrames*channels interleaved samples. Before the buffer ever
// reaches target for the first time, silence is returned without draining
// whatever is buffered; once target is reached, real samples flow, padded
// with zero on shortfall.
func (r *Regulator) Pull(nFrames int) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := nFrames * r.channels
	if !r.hasPlayed {
		if r.ring.Count() < r.target {
			return make([]float32, want)
		}
		r.hasPlayed = true
	}

	out, got := r.ring.ReadBulk(want, 0)
	shortfall := want - got
	r.underflow += uint64(shortfall)
	r.consumed += uint64(got)

	r.consumedSinceCheck += got
	for r.consumedSinceCheck >= resyncCheckInterval {
		r.consumedSinceCheck -= resyncCheckInterval
		r.applyResyncStep()
	}
	r.updateAvgBuffering()
	return out
}

// applyResyncStep accumulates the deviation of avgBuffering from target and,
// once the running compensation exceeds resync, trades a bounded skip (too
// full) for sustained drift — or simply lets future underflow padding
// absorb the deficit (too empty), never distorting pitch.
func (r *Regulator) applyResyncStep() {
	deviation := r.avgBuffering - float64(r.target)
	r.compensationPending += deviation
	if math.Abs(r.compensationPending) <= float64(r.resync) {
		return
	}
	if r.compensationPending > 0 {
		skip := r.resync / 2
		skipped := r.ring.Skip(skip)
		r.overflow += uint64(skipped)
		r.compensationPending -= float64(skip)
	} else {
		r.compensationPending += float64(r.resync) / 2
	}
}

func (r *Regulator) updateAvgBuffering() {
	count := float64(r.ring.Count())
	if !r.avgBufferingPrimed {
		r.avgBuffering = count
		r.avgBufferingPrimed = true
		return
	}
	const alpha = 0.05
	r.avgBuffering = r.avgBuffering*(1-alpha) + count*alpha
}

// Reset restores the regulator to its initial, pre-playback state.
func (r *Regulator) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring.Clear()
	r.hasPlayed = false
	r.avgBuffering = 0
	r.avgBufferingPrimed = false
	r.compensationPending = 0
	r.consumedSinceCheck = 0
	r.pushed, r.consumed, r.underflow, r.overflow = 0, 0, 0, 0
}

// Stats reports the current accounting counters.
func (r *Regulator) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		PushedSamples:    r.pushed,
		ConsumedSamples:  r.consumed,
		UnderflowSamples: r.underflow,
		OverflowSamples:  r.overflow,
		BufferedSamples:  r.ring.Count(),
	}
}
