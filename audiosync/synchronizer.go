// Package audiosync tracks the relationship between audio PTS and wall-clock
// time so the session can decide whether audio is running early, late, or
// has hiccuped entirely, and what video should do about it. It is purely
// observational: it never touches a buffer or a socket, matching the
// teacher's habit of deriving elapsed time from raw PTS
// (`time.Duration(header.PTS) * time.Microsecond`) without owning any of
// the data it measures.
package audiosync

import "time"

const (
	emaAlpha             = 0.1
	discontinuityFloorUs = 100_000
	discontinuityPct     = 0.10
	dropDriftMs          = 200.0
	rateAdjustDriftMs    = 30.0
	rateStep             = 0.02
	rateMin              = 0.95
	rateMax              = 1.05

	videoSkipOffsetMs = -200.0
	videoWaitOffsetMs = 200.0
)

// SyncDecision is returned from every ProcessAudioPTS call.
type SyncDecision struct {
	ShouldPlay      bool
	IsDiscontinuity bool
	CurrentDelayMs  float64
	DriftMs         float64
	SuggestedRate   float64
}

// VideoSyncInfo is returned from GetVideoSyncInfo.
type VideoSyncInfo struct {
	OffsetMs           float64
	ShouldSkipVideo    bool
	ShouldWaitForAudio bool
}

// Synchronizer maintains the PTS-to-wall-clock baseline described in spec
// §4.11. Now is injectable so tests can drive it deterministically; it
// defaults to time.Now, the monotonic wall clock the design notes require
// (never substitute a clock that can jump backwards).
type Synchronizer struct {
	SampleRate int
	Now        func() time.Time

	seeded          bool
	firstPTSUs      int64
	firstWall       time.Time
	lastPTSUs       int64
	estDelayMs      float64
	accumDriftMs    float64
	discontinuities int
}

// New constructs a Synchronizer for the given sample rate.
func New(sampleRate int) *Synchronizer {
	return &Synchronizer{SampleRate: sampleRate, Now: time.Now}
}

// DiscontinuityCount reports how many discontinuities have been detected
// since construction or the last Reset.
func (s *Synchronizer) DiscontinuityCount() int { return s.discontinuities }

// Reset clears the baseline and all EMA state, as if no packet had ever
// been processed.
func (s *Synchronizer) Reset() {
	s.seeded = false
	s.firstPTSUs = 0
	s.firstWall = time.Time{}
	s.lastPTSUs = 0
	s.estDelayMs = 0
	s.accumDriftMs = 0
	s.discontinuities = 0
}

// ProcessAudioPTS advances the synchronizer by one decoded audio packet
// carrying ptsUs microseconds of presentation timestamp and sampleCount
// decoded samples (per channel).
func (s *Synchronizer) ProcessAudioPTS(ptsUs int64, sampleCount int) SyncDecision {
	now := s.Now()

	if !s.seeded {
		s.seed(ptsUs, now)
		s.lastPTSUs = ptsUs
		return SyncDecision{ShouldPlay: true, SuggestedRate: 1.0}
	}

	expectedDeltaUs := float64(sampleCount) / float64(s.SampleRate) * 1e6
	actualDeltaUs := float64(ptsUs - s.lastPTSUs)
	isDiscontinuity := actualDeltaUs < 0
	if !isDiscontinuity {
		threshold := expectedDeltaUs * discontinuityPct
		if threshold < discontinuityFloorUs {
			threshold = discontinuityFloorUs
		}
		if absFloat64(actualDeltaUs-expectedDeltaUs) > threshold {
			isDiscontinuity = true
		}
	}

	if isDiscontinuity {
		s.discontinuities++
		s.seed(ptsUs, now)
		s.lastPTSUs = ptsUs
		return SyncDecision{ShouldPlay: true, IsDiscontinuity: true, SuggestedRate: 1.0}
	}

	s.lastPTSUs = ptsUs

	expectedArrival := s.firstWall.Add(time.Duration(ptsUs-s.firstPTSUs) * time.Microsecond)
	delayMs := now.Sub(expectedArrival).Seconds() * 1000

	s.estDelayMs = s.estDelayMs*(1-emaAlpha) + delayMs*emaAlpha
	s.accumDriftMs = s.accumDriftMs*(1-emaAlpha) + delayMs*emaAlpha

	shouldPlay := true
	if absFloat64(s.accumDriftMs) > dropDriftMs && s.accumDriftMs > 0 {
		shouldPlay = false
	}

	rate := 1.0
	if s.accumDriftMs > rateAdjustDriftMs {
		rate = 1.0 + rateStep
	} else if s.accumDriftMs < -rateAdjustDriftMs {
		rate = 1.0 - rateStep
	}
	if rate > rateMax {
		rate = rateMax
	}
	if rate < rateMin {
		rate = rateMin
	}

	return SyncDecision{
		ShouldPlay:     shouldPlay,
		CurrentDelayMs: s.estDelayMs,
		DriftMs:        s.accumDriftMs,
		SuggestedRate:  rate,
	}
}

func (s *Synchronizer) seed(ptsUs int64, wall time.Time) {
	s.firstPTSUs = ptsUs
	s.firstWall = wall
	s.estDelayMs = 0
	s.accumDriftMs = 0
	s.seeded = true
}

// GetVideoSyncInfo reports how video PTS compares to the most recently
// processed audio PTS, so the caller can decide to skip a late video frame
// or wait for audio to catch up.
func (s *Synchronizer) GetVideoSyncInfo(videoPTSUs int64) VideoSyncInfo {
	offsetMs := float64(s.lastPTSUs-videoPTSUs) / 1000
	return VideoSyncInfo{
		OffsetMs:           offsetMs,
		ShouldSkipVideo:    offsetMs < videoSkipOffsetMs,
		ShouldWaitForAudio: offsetMs > videoWaitOffsetMs,
	}
}

func absFloat64(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
