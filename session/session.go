// Package session implements ScrcpySession, the top-level coordinator that
// owns the transport, parsers, decoders, regulator, synchronizer, and frame
// pipeline for one device-capture run and drives the state machine. Grounded
// on the teacher's sdriver.SDriver interface (Start/Stop/GetReceivers/
// RequestIDR/MediaMeta, sdriver/interface.go) and ScrcpyDriver.New
// (sdriver/scrcpy/driver.go), generalized from one monolithic constructor
// that dials/accepts/wires everything inline into an explicit state machine
// with the callback wiring spelled out instead of implicit in New.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"mirrorcore/audiodec"
	"mirrorcore/audioreg"
	"mirrorcore/audiostream"
	"mirrorcore/audiosync"
	"mirrorcore/framepipe"
	"mirrorcore/launcher"
	"mirrorcore/power"
	"mirrorcore/scrcpyerr"
	"mirrorcore/sdriver"
	"mirrorcore/transport"
	"mirrorcore/videodec"
	"mirrorcore/videostream"
)

// State is one of the session's lifecycle states.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateCapturing
	StatePaused
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateCapturing:
		return "Capturing"
	case StatePaused:
		return "Paused"
	case StateDisconnected:
		return "Disconnected"
	case StateError:
		return "Error"
	default:
		return "Idle"
	}
}

// ErrInvalidTransition is returned by any method invoked from a state that
// does not permit it, per the transitions named in the state machine.
var ErrInvalidTransition = errors.New("session: invalid state transition")

const (
	defaultVideoConnectTimeout = 10 * time.Second
	defaultAudioPullInterval   = 10 * time.Millisecond
	defaultChildStopTimeout    = 2 * time.Second
	defaultWidth               = 1080
	defaultHeight              = 1920
	audioSampleRate            = 48000
)

// AudioSink is the pull-side consumer of regulated PCM: the dedicated 10ms
// audio pull timer calls Regulator.Pull and hands the result here, matching
// the "Audio pull worker" thread named for the concurrency model.
type AudioSink interface {
	Write(pcm []float32, format audiodec.OutputFormat)
}

// ChildProcess is the surface ScrcpySession needs from a spawned agent
// process; *launcher.ChildHandle satisfies it, and tests substitute a fake.
type ChildProcess interface {
	Wait() launcher.ExitEvent
	Stop(timeout time.Duration) launcher.ExitEvent
}

// Launcher is the surface ScrcpySession needs from the server-launching
// component; *launcher.ServerLauncher satisfies it via realLauncher below,
// and tests substitute a fake that never shells out to adb.
type Launcher interface {
	PrepareEnvironment(ctx context.Context, cfg sdriver.SessionConfig) error
	StartServer(ctx context.Context, cfg sdriver.SessionConfig) (ChildProcess, error)
	TeardownEnvironment(ctx context.Context, cfg sdriver.SessionConfig) error
}

// realLauncher adapts *launcher.ServerLauncher's concrete *ChildHandle
// return type to the ChildProcess interface StartServer must return.
type realLauncher struct {
	*launcher.ServerLauncher
}

func (r realLauncher) StartServer(ctx context.Context, cfg sdriver.SessionConfig) (ChildProcess, error) {
	return r.ServerLauncher.StartServer(ctx, cfg)
}

func defaultLauncherFactory(adb launcher.AdbService, artifact launcher.AgentArtifact, serial string) Launcher {
	return realLauncher{launcher.NewServerLauncher(adb, artifact, serial)}
}

// ScrcpySession is the top-level coordinator described by the component
// table's "ScrcpySession" entry: it owns every other component, drives the
// state machine, wires their callbacks together, and tears everything down
// on failure or disconnect.
type ScrcpySession struct {
	mu      sync.Mutex
	state   State
	lastErr error

	cfg    sdriver.SessionConfig
	adb    launcher.AdbService
	art    launcher.AgentArtifact
	serial string

	// Injectable seams, defaulted in New but overridable for tests so no
	// real codec library, adb binary, or caffeinate process is required to
	// exercise the state machine.
	NewVideoDecoder          func() videodec.VideoDecoder
	NewAudioBitstreamDecoder func(codec sdriver.AudioCodec) (audiodec.BitstreamDecoder, error)
	NewLauncher              func(adb launcher.AdbService, artifact launcher.AgentArtifact, serial string) Launcher
	ResolveADBPath           func() (string, error)

	power *power.Coordinator

	videoParser  *videostream.Parser
	audioParser  *audiostream.Parser
	videoDecoder videodec.VideoDecoder
	audioDecoder audiodec.AudioDecoder
	regulator    *audioreg.Regulator
	sync         *audiosync.Synchronizer
	pipeline     *framepipe.Pipeline

	launcher Launcher
	acceptor *transport.SocketAcceptor
	child    ChildProcess

	audioSink AudioSink

	lastWidth, lastHeight int
	pendingVideoPTS       int64

	cancelMonitor context.CancelFunc
	cancelAudio   context.CancelFunc
	wg            sync.WaitGroup
}

// New constructs a session in StateIdle. Connect must be called before
// StartCapture.
func New(cfg sdriver.SessionConfig, adb launcher.AdbService, artifact launcher.AgentArtifact) *ScrcpySession {
	return &ScrcpySession{
		state:                    StateIdle,
		cfg:                      cfg,
		adb:                      adb,
		art:                      artifact,
		serial:                   cfg.DeviceSerial,
		power:                    power.New(),
		NewVideoDecoder:          func() videodec.VideoDecoder { return videodec.NewFFmpegDecoder() },
		NewAudioBitstreamDecoder: audiodec.NewFFmpegBitstreamDecoder,
		NewLauncher:              defaultLauncherFactory,
		ResolveADBPath:           launcher.GetADBPath,
		pipeline:                 framepipe.NewPipeline(),
		lastWidth:                defaultWidth,
		lastHeight:               defaultHeight,
	}
}

// SetAudioSink registers the pull-side consumer of regulated PCM.
func (s *ScrcpySession) SetAudioSink(sink AudioSink) {
	s.mu.Lock()
	s.audioSink = sink
	s.mu.Unlock()
}

// SetFrameHandler registers the consumer callback the frame pipeline
// dispatches decoded frames to.
func (s *ScrcpySession) SetFrameHandler(cb func(framepipe.Frame)) {
	s.pipeline.SetFrameHandler(cb)
}

// SetFrameDispatcher overrides how the frame pipeline schedules delivery of
// its consumer callback (default: a new goroutine per dispatch). Tests use
// this to run dispatch synchronously.
func (s *ScrcpySession) SetFrameDispatcher(dispatch func(func())) {
	s.pipeline.SetDispatcher(dispatch)
}

// State reports the session's current lifecycle state.
func (s *ScrcpySession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError reports the error that drove the session into StateError, if
// any.
func (s *ScrcpySession) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *ScrcpySession) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *ScrcpySession) setError(err error) {
	s.mu.Lock()
	s.state = StateError
	s.lastErr = err
	s.mu.Unlock()
	log.Printf("[session][error] %v", err)
}

// Connect resolves tool paths, constructs the parsers/decoders/regulator/
// synchronizer/launcher, and wires their callbacks together. On success the
// session moves to StateConnected; on failure to StateError.
func (s *ScrcpySession) Connect(ctx context.Context) error {
	cur := s.State()
	if cur != StateIdle && cur != StateDisconnected {
		return fmt.Errorf("%w: connect from %v", ErrInvalidTransition, cur)
	}
	s.setState(StateConnecting)
	log.Println("[session][info] connecting")

	if _, err := s.ResolveADBPath(); err != nil {
		wrapped := scrcpyerr.New(scrcpyerr.KindAgentStartFailed, err)
		s.setError(wrapped)
		return wrapped
	}

	s.videoParser = videostream.NewParser(s.cfg.VideoCodec, s.cfg.Framing)
	s.videoParser.OnSPSChanged = s.handleSPSChanged

	s.audioParser = audiostream.NewParser()
	s.audioParser.OnCodecID = s.handleAudioCodecID
	s.audioParser.OnAudioPacket = s.routeAudioPacket

	s.videoDecoder = s.NewVideoDecoder()
	s.videoDecoder.SetOnDecodedFrame(s.handleDecodedFrame)

	regCfg := audioreg.DefaultConfig()
	if s.cfg.TargetBufferingMs > 0 {
		regCfg.TargetMs = s.cfg.TargetBufferingMs
	}
	s.regulator = audioreg.New(regCfg)
	s.sync = audiosync.New(audioSampleRate)

	s.launcher = s.NewLauncher(s.adb, s.art, s.serial)
	s.acceptor = transport.NewSocketAcceptor(transport.Config{
		Mode:         s.cfg.ConnectionMode,
		Port:         s.cfg.Port,
		AudioEnabled: s.cfg.AudioEnabled,
	})
	s.acceptor.OnVideoData = s.onVideoData
	s.acceptor.OnAudioData = s.onAudioData

	s.setState(StateConnected)
	return nil
}

// StartCapture prepares the device-side port mapping, starts the socket
// acceptor, launches the agent, and waits for the video connection. The
// session moves to StateCapturing before the agent is even launched so that
// frames arriving immediately after the agent starts are never dropped.
func (s *ScrcpySession) StartCapture(ctx context.Context) error {
	cur := s.State()
	if cur != StateConnected && cur != StatePaused {
		return fmt.Errorf("%w: start_capture from %v", ErrInvalidTransition, cur)
	}

	if err := s.launcher.PrepareEnvironment(ctx, s.cfg); err != nil {
		wrapped := scrcpyerr.New(scrcpyerr.Classify(err), err)
		s.setError(wrapped)
		return wrapped
	}

	if err := s.acceptor.Start(ctx); err != nil {
		wrapped := scrcpyerr.New(scrcpyerr.KindConnectionFailed, err)
		s.setError(wrapped)
		return wrapped
	}

	s.setState(StateCapturing)
	log.Println("[session][info] capturing")

	child, err := s.launcher.StartServer(ctx, s.cfg)
	if err != nil {
		s.acceptor.Stop()
		wrapped := scrcpyerr.New(scrcpyerr.KindAgentStartFailed, err)
		s.setError(wrapped)
		return wrapped
	}
	s.child = child

	if err := s.acceptor.WaitForVideoConnection(defaultVideoConnectTimeout); err != nil {
		s.acceptor.Stop()
		child.Stop(defaultChildStopTimeout)
		wrapped := scrcpyerr.New(scrcpyerr.KindConnectionTimeout, err)
		s.setError(wrapped)
		return wrapped
	}

	if err := s.power.Acquire(); err != nil {
		log.Printf("[session][warn] idle-sleep hold failed: %v", err)
	}

	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	s.cancelMonitor = cancelMonitor
	s.wg.Add(1)
	go s.monitorChild(monitorCtx, child)

	audioCtx, cancelAudio := context.WithCancel(context.Background())
	s.cancelAudio = cancelAudio
	s.wg.Add(1)
	go s.audioPullLoop(audioCtx)

	s.pipeline.Start()
	return nil
}

// StopCapture tears down capture-time resources and returns the session to
// StateConnected, ready for a subsequent StartCapture.
func (s *ScrcpySession) StopCapture() error {
	cur := s.State()
	if cur != StateCapturing {
		return fmt.Errorf("%w: stop_capture from %v", ErrInvalidTransition, cur)
	}
	s.teardownCaptureResources()
	s.setState(StateConnected)
	log.Println("[session][info] capture stopped")
	return nil
}

// teardownCaptureResources stops every goroutine and handle StartCapture
// started (audio pull loop, child-process monitor, acceptor, agent process)
// and resets the parsers/decoders/regulator/synchronizer. Idempotent: safe
// to call whether capture stopped cleanly (via StopCapture) or the session
// landed in StateError mid-capture (via Disconnect), since an abnormal agent
// exit must not leave these goroutines orphaned. Teardown runs in the
// fixed order (pipeline, acceptor, launcher, child), each step strictly
// after the previous one completes, so the steps are plain sequential calls
// rather than fanned out through errgroup — the first error is logged and
// the remaining steps still run.
func (s *ScrcpySession) teardownCaptureResources() {
	if s.cancelAudio != nil {
		s.cancelAudio()
		s.cancelAudio = nil
	}
	if s.cancelMonitor != nil {
		s.cancelMonitor()
		s.cancelMonitor = nil
	}
	s.power.Release()

	if s.pipeline != nil {
		s.pipeline.Stop()
	}
	if s.acceptor != nil {
		s.acceptor.Stop()
	}
	if s.launcher != nil {
		if err := s.launcher.TeardownEnvironment(context.Background(), s.cfg); err != nil {
			log.Printf("[session][warn] teardown step error: %v", err)
		}
	}
	if s.child != nil {
		if ev := s.child.Stop(defaultChildStopTimeout); ev.Err != nil {
			log.Printf("[session][warn] teardown step error: %v", ev.Err)
		}
		s.child = nil
	}
	// The child monitor returns only once the agent has exited, so the
	// goroutines are waited on after the child is stopped.
	s.wg.Wait()

	if s.videoParser != nil {
		s.videoParser.Reset()
	}
	if s.videoDecoder != nil {
		s.videoDecoder.Reset()
	}
	if s.audioParser != nil {
		s.audioParser.Reset()
	}
	if s.regulator != nil {
		s.regulator.Reset()
	}
	if s.sync != nil {
		s.sync.Reset()
	}
}

// Pause transitions out of Capturing without tearing down the underlying
// connections, mirroring the teacher's Pause (a state flag with no
// connection teardown; resuming is just another StartCapture).
func (s *ScrcpySession) Pause() error {
	cur := s.State()
	if cur != StateCapturing {
		return fmt.Errorf("%w: pause from %v", ErrInvalidTransition, cur)
	}
	s.setState(StatePaused)
	return nil
}

// Disconnect unconditionally tears everything down and moves to
// StateDisconnected, regardless of the state it is called from — including
// StateError, where an abnormal agent exit may have left the audio pull
// loop and child-process monitor still running.
func (s *ScrcpySession) Disconnect() error {
	s.teardownCaptureResources()
	s.setState(StateDisconnected)
	log.Println("[session][info] disconnected")
	return nil
}

// RequestKeyframeRefresh decodes the last cached IDR directly in the video
// decoder, first initializing the decoder from the cached parameter sets if
// it is not ready (a ready decoder is sent only the IDR), without touching
// the control channel,
// grounded on the teacher's RequestIDR/sendCachedKeyFrame
// (sdriver/scrcpy/interface.go).
func (s *ScrcpySession) RequestKeyframeRefresh(isFirstJoin bool) error {
	if s.State() != StateCapturing {
		return fmt.Errorf("session: cannot refresh keyframe outside Capturing (state=%v)", s.State())
	}
	idr := s.videoParser.LastIDR()
	if !s.videoParser.HasCompleteParameterSets() || idr == nil {
		return errors.New("session: no cached keyframe available yet")
	}
	if !s.videoDecoder.IsReady() {
		s.initializeVideoDecoder()
	}
	if !s.videoDecoder.IsReady() {
		return errors.New("session: decoder not ready for keyframe replay")
	}

	log.Printf("[session][info] replaying cached keyframe (first_join=%v)", isFirstJoin)
	s.pendingVideoPTS = 0
	if err := s.videoDecoder.Decode(idr); err != nil {
		return fmt.Errorf("session: keyframe replay failed: %w", err)
	}
	return nil
}

func (s *ScrcpySession) monitorChild(ctx context.Context, child ChildProcess) {
	defer s.wg.Done()
	ev := child.Wait()
	select {
	case <-ctx.Done():
		return
	default:
	}
	if kind, abnormal := scrcpyerr.ClassifyExitCode(ev.Code); abnormal {
		s.setError(scrcpyerr.Newf(kind, "agent exited with code %d", ev.Code))
	} else {
		log.Printf("[session][info] agent exited normally (code=%d)", ev.Code)
	}
}

func (s *ScrcpySession) audioPullLoop(ctx context.Context) {
	defer s.wg.Done()
	const framesPerTick = audioSampleRate / 100 // 10ms
	ticker := time.NewTicker(defaultAudioPullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pcm := s.regulator.Pull(framesPerTick)
			s.mu.Lock()
			sink := s.audioSink
			dec := s.audioDecoder
			s.mu.Unlock()
			if sink == nil {
				continue
			}
			format := audiodec.OutputFormat{SampleRate: audioSampleRate, Channels: 2}
			if dec != nil {
				format = dec.OutputFormat()
			}
			sink.Write(pcm, format)
		}
	}
}

// onVideoData is wired as the acceptor's OnVideoData: it feeds bytes to the
// video parser, initializes the decoder once parameter sets are complete,
// and decodes every VCL unit once the decoder is ready.
func (s *ScrcpySession) onVideoData(data []byte) {
	units := s.videoParser.Append(data)
	for _, u := range units {
		if !u.IsVCL {
			if s.videoParser.HasCompleteParameterSets() && !s.videoDecoder.IsReady() {
				s.initializeVideoDecoder()
			}
			continue
		}
		if !s.videoDecoder.IsReady() {
			continue
		}
		s.pendingVideoPTS = u.PTS
		if err := s.videoDecoder.Decode(u.Data); err != nil {
			log.Printf("[session][warn] video decode failed: %v", err)
		}
	}
}

func (s *ScrcpySession) initializeVideoDecoder() {
	vps, sps, pps := s.videoParser.ParameterSets()
	var err error
	if s.cfg.VideoCodec == sdriver.VideoCodecH265 {
		err = s.videoDecoder.InitializeH265(vps, sps, pps)
	} else {
		err = s.videoDecoder.InitializeH264(sps, pps)
	}
	if err != nil {
		log.Printf("[session][warn] video decoder initialization failed: %v", err)
	}
}

// handleSPSChanged resets the video decoder (it is no longer ready) and
// flushes the frame pipeline so no pre-rotation frame is delivered after the
// change; a fresh initialization happens the next time a complete parameter
// set is seen, via onVideoData.
func (s *ScrcpySession) handleSPSChanged(newSPS []byte) {
	log.Printf("[session][info] SPS changed (%d bytes), reconfiguring decoder", len(newSPS))
	s.videoDecoder.Reset()
	s.pipeline.Stop()
	s.pipeline.Start()
}

// handleDecodedFrame is wired as the video decoder's OnDecodedFrame: drops
// frames outside Capturing, tracks size changes, and forwards into the
// frame pipeline.
func (s *ScrcpySession) handleDecodedFrame(f videodec.Frame) {
	if s.State() != StateCapturing {
		return
	}
	pts := s.pendingVideoPTS

	if s.sync != nil {
		info := s.sync.GetVideoSyncInfo(pts)
		if info.ShouldSkipVideo || info.ShouldWaitForAudio {
			log.Printf("[session][debug] audio/video offset %.1fms (skip=%v wait=%v)",
				info.OffsetMs, info.ShouldSkipVideo, info.ShouldWaitForAudio)
		}
	}

	s.mu.Lock()
	sizeChanged := f.Width != 0 && (f.Width != s.lastWidth || f.Height != s.lastHeight)
	if sizeChanged {
		s.lastWidth, s.lastHeight = f.Width, f.Height
	}
	s.mu.Unlock()
	if sizeChanged {
		log.Printf("[session][info] video size changed to %dx%d", f.Width, f.Height)
	}

	s.pipeline.PushFrame(framepipe.Frame{Width: f.Width, Height: f.Height, PTS: pts, Pixels: f.PixelData})
}

// onAudioData is wired as the acceptor's OnAudioData: it feeds bytes to the
// audio parser, which drives handleAudioCodecID/routeAudioPacket via its own
// callbacks.
func (s *ScrcpySession) onAudioData(data []byte) {
	s.audioParser.Append(data)
}

// handleAudioCodecID is wired as the audio parser's OnCodecID: it selects
// and initializes the AudioDecoder variant for the identified codec, and for
// AAC/OPUS attaches the session's BitstreamDecoder backend so Decode can
// actually produce PCM. An unsupported codec (FLAC) disables audio for this
// session without failing it — video continues regardless, and so does a
// backend that fails to open.
func (s *ScrcpySession) handleAudioCodecID(codec sdriver.AudioCodec) {
	dec, err := audiodec.NewAudioDecoder(codec)
	if err != nil {
		log.Printf("[session][warn] unsupported audio codec %v, disabling audio: %v", codec, err)
		return
	}
	if err := dec.Initialize(0, 0); err != nil {
		log.Printf("[session][warn] audio decoder initialization failed: %v", err)
		return
	}
	if codec == sdriver.AudioCodecAAC || codec == sdriver.AudioCodecOpus {
		backend, err := s.NewAudioBitstreamDecoder(codec)
		if err != nil {
			log.Printf("[session][warn] no bitstream backend for audio codec %v, disabling audio: %v", codec, err)
			return
		}
		dec.SetBitstreamDecoder(backend)
	}
	dec.SetOnDecodedAudio(s.handleDecodedAudio)

	s.mu.Lock()
	s.audioDecoder = dec
	s.mu.Unlock()
}

// routeAudioPacket is wired as the audio parser's OnAudioPacket: it hands
// config packets and payload packets to the active AudioDecoder. Decode
// failures are logged and dropped, never escalated to a session error — the
// audio stream is best-effort relative to video.
func (s *ScrcpySession) routeAudioPacket(pkt audiostream.Packet) {
	s.mu.Lock()
	dec := s.audioDecoder
	s.mu.Unlock()
	if dec == nil {
		return
	}
	if pkt.IsConfig {
		if err := dec.ProcessConfigPacket(pkt.Payload); err != nil {
			log.Printf("[session][warn] audio config packet rejected: %v", err)
		}
		return
	}
	if err := dec.Decode(pkt.Payload, pkt.PTS, pkt.IsKey); err != nil {
		log.Printf("[session][warn] audio decode failed (dropping packet): %v", err)
	}
}

// handleDecodedAudio is wired as the AudioDecoder's OnDecodedAudio: it feeds
// the synchronizer (for discontinuity/drift tracking) then pushes PCM into
// the regulator, exactly the "on_decoded_audio -> regulator.push" wiring.
func (s *ScrcpySession) handleDecodedAudio(pcm []float32, pts int64, format audiodec.OutputFormat) {
	channels := format.Channels
	if channels <= 0 {
		channels = 1
	}
	decision := s.sync.ProcessAudioPTS(pts, len(pcm)/channels)
	if decision.IsDiscontinuity {
		log.Printf("[session][info] audio discontinuity detected, resynchronizing")
	}
	s.regulator.Push(pcm)
}
