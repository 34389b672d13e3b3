package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"mirrorcore/launcher"
	"mirrorcore/sdriver"
	"mirrorcore/videodec"
)

// fakeChild is a ChildProcess test double that never spawns a real process.
type fakeChild struct {
	exitCh chan launcher.ExitEvent
	once   sync.Once
}

func newFakeChild() *fakeChild {
	return &fakeChild{exitCh: make(chan launcher.ExitEvent, 1)}
}

func (c *fakeChild) Wait() launcher.ExitEvent { return <-c.exitCh }

func (c *fakeChild) Stop(timeout time.Duration) launcher.ExitEvent {
	ev := launcher.ExitEvent{Code: 15}
	c.once.Do(func() { c.exitCh <- ev })
	return ev
}

func (c *fakeChild) exitAbnormally(code int) {
	c.once.Do(func() { c.exitCh <- launcher.ExitEvent{Code: code} })
}

// fakeLauncher is a Launcher test double: StartServer dials the acceptor's
// listening port directly instead of shelling out to adb, so Connect/
// StartCapture can be driven end to end without any real device.
type fakeLauncher struct {
	mu             sync.Mutex
	preparedCalls  int
	tornDownCalls  int
	dialAudio      bool
	child          *fakeChild
	startServerErr error
	prepareErr     error

	videoConn      net.Conn
	videoConnReady chan struct{}
}

// closeVideoConn waits for the dial goroutine to connect and closes the
// video connection from the peer side, exercising the ordinary EOF path
// through the acceptor's video read loop (SocketAcceptor.Stop closes the
// connection from our side regardless, so this is not required to avoid a
// hang, just to cover the peer-initiated-close path some tests want).
func (l *fakeLauncher) closeVideoConn() {
	<-l.videoConnReady
	l.mu.Lock()
	conn := l.videoConn
	l.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (l *fakeLauncher) PrepareEnvironment(ctx context.Context, cfg sdriver.SessionConfig) error {
	l.mu.Lock()
	l.preparedCalls++
	l.mu.Unlock()
	return l.prepareErr
}

func (l *fakeLauncher) TeardownEnvironment(ctx context.Context, cfg sdriver.SessionConfig) error {
	l.mu.Lock()
	l.tornDownCalls++
	l.mu.Unlock()
	return nil
}

func (l *fakeLauncher) StartServer(ctx context.Context, cfg sdriver.SessionConfig) (ChildProcess, error) {
	if l.startServerErr != nil {
		return nil, l.startServerErr
	}
	l.child = newFakeChild()
	l.videoConnReady = make(chan struct{})
	go func() {
		addr := "127.0.0.1:" + portString(cfg.Port)
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			close(l.videoConnReady)
			return
		}
		l.mu.Lock()
		l.videoConn = conn
		l.mu.Unlock()
		close(l.videoConnReady)

		if l.dialAudio {
			audioConn, err := net.Dial("tcp", addr)
			if err == nil {
				audioConn.Close()
			}
		}
		reserved, err := net.Dial("tcp", addr)
		if err == nil {
			reserved.Close()
		}
	}()
	return l.child, nil
}

func portString(p int) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	var b []byte
	for p > 0 {
		b = append([]byte{digits[p%10]}, b...)
		p /= 10
	}
	return string(b)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func testSession(t *testing.T, fl *fakeLauncher) (*ScrcpySession, sdriver.SessionConfig) {
	cfg := sdriver.DefaultSessionConfig()
	cfg.Port = freePort(t)
	cfg.AudioEnabled = false
	cfg.ConnectionMode = sdriver.ModeReverse

	s := New(cfg, nil, launcher.AgentArtifact{LocalPath: "./agent.jar"})
	s.ResolveADBPath = func() (string, error) { return "/usr/bin/adb", nil }
	s.NewLauncher = func(adb launcher.AdbService, artifact launcher.AgentArtifact, serial string) Launcher {
		return fl
	}
	s.NewVideoDecoder = func() videodec.VideoDecoder { return videodec.NewNullDecoder() }
	s.SetFrameDispatcher(func(fn func()) { fn() })
	return s, cfg
}

func TestStateMachineRejectsOutOfOrderCalls(t *testing.T) {
	t.Parallel()
	s, _ := testSession(t, &fakeLauncher{})

	if err := s.StartCapture(context.Background()); err == nil {
		t.Error("StartCapture before Connect should be rejected")
	}
	if err := s.StopCapture(); err == nil {
		t.Error("StopCapture before Capturing should be rejected")
	}
	if err := s.Pause(); err == nil {
		t.Error("Pause before Capturing should be rejected")
	}
	if err := s.RequestKeyframeRefresh(true); err == nil {
		t.Error("RequestKeyframeRefresh before Capturing should be rejected")
	}
}

func TestConnectStartCaptureStopCaptureDisconnect(t *testing.T) {
	t.Parallel()
	fl := &fakeLauncher{}
	s, _ := testSession(t, fl)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("state after Connect = %v, want Connected", s.State())
	}

	if err := s.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if s.State() != StateCapturing {
		t.Fatalf("state after StartCapture = %v, want Capturing", s.State())
	}

	fl.closeVideoConn()
	if err := s.StopCapture(); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("state after StopCapture = %v, want Connected", s.State())
	}
	if fl.tornDownCalls == 0 {
		t.Error("expected TeardownEnvironment to be called during StopCapture")
	}

	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state after Disconnect = %v, want Disconnected", s.State())
	}
}

func TestAgentAbnormalExitDrivesSessionToError(t *testing.T) {
	t.Parallel()
	fl := &fakeLauncher{}
	s, _ := testSession(t, fl)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	fl.child.exitAbnormally(1)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.State() == StateError {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.State() != StateError {
		t.Fatalf("state = %v, want Error after abnormal agent exit", s.State())
	}
	if s.LastError() == nil {
		t.Error("expected LastError to be set")
	}
	fl.closeVideoConn()
}

func TestAgentNormalExitCodesDoNotErrorSession(t *testing.T) {
	t.Parallel()
	for _, code := range []int{0, 15} {
		fl := &fakeLauncher{}
		s, _ := testSession(t, fl)

		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err := s.StartCapture(context.Background()); err != nil {
			t.Fatalf("StartCapture: %v", err)
		}

		fl.child.exitAbnormally(code)
		time.Sleep(30 * time.Millisecond)

		if s.State() == StateError {
			t.Errorf("exit code %d should not drive session to Error", code)
		}
		fl.closeVideoConn()
		s.Disconnect()
	}
}

func TestStartCaptureFailurePropagatesLauncherError(t *testing.T) {
	t.Parallel()
	fl := &fakeLauncher{prepareErr: errTestPrepare}
	s, _ := testSession(t, fl)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.StartCapture(context.Background()); err == nil {
		t.Fatal("expected StartCapture to fail when PrepareEnvironment fails")
	}
	if s.State() != StateError {
		t.Fatalf("state = %v, want Error", s.State())
	}
}

var errTestPrepare = &testError{"prepare environment failed"}

type testError struct{ s string }

func (e *testError) Error() string { return e.s }

// h264SPS/h264PPS/h264IDR are minimal (not bitstream-valid beyond their NAL
// type byte) units, sufficient to exercise the parameter-set cache and
// cached-keyframe path without a real encoder. framed wraps each one in the
// 12-byte packet header the session's default FramingMetadata parser reads.
var (
	h264SPS = []byte{0x67, 0x01, 0x02, 0x03}
	h264PPS = []byte{0x68, 0x01}
	h264IDR = []byte{0x65, 0xAA, 0xBB, 0xCC}
)

func framed(nal []byte) []byte {
	n := len(nal)
	pkt := make([]byte, 12, 12+n)
	pkt[8], pkt[9], pkt[10], pkt[11] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
	return append(pkt, nal...)
}

func TestRequestKeyframeRefreshReplaysCachedIDR(t *testing.T) {
	t.Parallel()
	fl := &fakeLauncher{}
	s, _ := testSession(t, fl)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s.setState(StateCapturing)

	s.onVideoData(framed(h264SPS))
	s.onVideoData(framed(h264PPS))
	s.onVideoData(framed(h264IDR))

	nd := s.videoDecoder.(*videodec.NullDecoder)
	decodedBefore := len(nd.DecodedNALs)

	if err := s.RequestKeyframeRefresh(true); err != nil {
		t.Fatalf("RequestKeyframeRefresh: %v", err)
	}
	if len(nd.DecodedNALs) != decodedBefore+1 {
		t.Fatalf("expected exactly one additional decode call from the cached-keyframe replay")
	}
}

func TestRequestKeyframeRefreshFailsWithoutCachedKeyframe(t *testing.T) {
	t.Parallel()
	fl := &fakeLauncher{}
	s, _ := testSession(t, fl)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s.setState(StateCapturing)

	if err := s.RequestKeyframeRefresh(false); err == nil {
		t.Fatal("expected an error when no keyframe has been cached yet")
	}
}

func TestSPSChangeResetsDecoderAndPipeline(t *testing.T) {
	t.Parallel()
	fl := &fakeLauncher{}
	s, _ := testSession(t, fl)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s.setState(StateCapturing)
	s.pipeline.Start()

	s.onVideoData(framed(h264SPS))
	s.onVideoData(framed(h264PPS))
	s.onVideoData(framed(h264IDR))

	// The first SPS differs from the empty cache, so it already resets once.
	nd := s.videoDecoder.(*videodec.NullDecoder)
	if nd.ResetCount != 1 {
		t.Fatalf("ResetCount = %d, want 1 after the first SPS", nd.ResetCount)
	}

	changedSPS := []byte{0x67, 0x99, 0x99, 0x99}
	s.onVideoData(framed(changedSPS))

	if nd.ResetCount != 2 {
		t.Fatalf("ResetCount = %d, want 2 after SPS change", nd.ResetCount)
	}
}

func TestHandleDecodedFrameDropsOutsideCapturing(t *testing.T) {
	t.Parallel()
	fl := &fakeLauncher{}
	s, _ := testSession(t, fl)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// still StateConnected, not Capturing
	s.pipeline.Start()
	s.handleDecodedFrame(videodec.Frame{Width: 640, Height: 480})
	if s.pipeline.Stats().Pushed != 0 {
		t.Error("expected no frame to be pushed into the pipeline outside Capturing")
	}
}
