// Package launcher owns the three responsibilities of ServerLauncher:
// pushing the agent artifact to the device, wiring the chosen connection
// mode's port mapping, and spawning/monitoring the remote agent process.
package launcher

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"mirrorcore/sdriver"
)

const (
	agentRemotePath = "/data/local/tmp/mirrorcore-server"
	agentVersion    = "3.3.4"
)

// AgentArtifact names the local scrcpy-server jar bytes to push to the
// device, given as a local file path (there is no io.Reader source); the
// caller supplies this rather than the library embedding a server binary
// (no real server artifact ships in this module).
type AgentArtifact struct {
	LocalPath string
}

// ExitEvent reports how the agent process ended.
type ExitEvent struct {
	Code int
	Err  error
}

// ChildHandle is the running agent process handle ServerLauncher.StartServer
// returns.
type ChildHandle struct {
	cmd    *exec.Cmd
	exitCh chan ExitEvent
	once   sync.Once
}

// Wait blocks until the agent process exits and reports how. The exit event
// is put back after it is received, so Wait and Stop may both be called.
func (h *ChildHandle) Wait() ExitEvent {
	ev := <-h.exitCh
	h.exitCh <- ev
	return ev
}

// Stop sends SIGTERM and waits up to timeout for the process to exit.
func (h *ChildHandle) Stop(timeout time.Duration) ExitEvent {
	h.once.Do(func() {
		if h.cmd.Process != nil {
			h.cmd.Process.Signal(syscall.SIGTERM)
		}
	})
	select {
	case ev := <-h.exitCh:
		h.exitCh <- ev
		return ev
	case <-time.After(timeout):
		if h.cmd.Process != nil {
			h.cmd.Process.Kill()
		}
		ev := <-h.exitCh
		h.exitCh <- ev
		return ev
	}
}

// ServerLauncher pushes the agent artifact, wires the connection mode's
// port mapping, and spawns/monitors the remote agent process.
type ServerLauncher struct {
	Adb      AdbService
	Artifact AgentArtifact
	Serial   string

	scid string
}

func NewServerLauncher(adb AdbService, artifact AgentArtifact, serial string) *ServerLauncher {
	return &ServerLauncher{Adb: adb, Artifact: artifact, Serial: serial, scid: generateSCID()}
}

func generateSCID() string {
	seed := time.Now().UnixNano() + rand.Int63()
	r := rand.New(rand.NewSource(seed))
	return strconv.FormatInt(int64(r.Uint32()&0x7FFFFFFF), 16)
}

func (l *ServerLauncher) localAbstract() string {
	return fmt.Sprintf("localabstract:mirrorcore_%s", l.scid)
}

// PrepareEnvironment pushes the agent jar and sets up the port mapping for
// cfg.ConnectionMode. Must complete before the first agent-side connection
// is attempted by the SocketAcceptor. Callers call this, then start the
// acceptor (so in reverse mode it is listening before the agent exists),
// then StartServer.
func (l *ServerLauncher) PrepareEnvironment(ctx context.Context, cfg sdriver.SessionConfig) error {
	if err := l.Adb.Push(ctx, l.Serial, l.Artifact.LocalPath, agentRemotePath); err != nil {
		return fmt.Errorf("push agent artifact: %w", err)
	}

	local := fmt.Sprintf("tcp:%d", cfg.Port)
	switch cfg.ConnectionMode {
	case sdriver.ModeReverse:
		l.Adb.ReverseRemove(ctx, l.Serial, l.localAbstract())
		if err := l.Adb.Reverse(ctx, l.Serial, l.localAbstract(), local); err != nil {
			return fmt.Errorf("set up reverse tunnel: %w", err)
		}
	case sdriver.ModeForward:
		if err := l.Adb.Forward(ctx, l.Serial, local, l.localAbstract()); err != nil {
			return fmt.Errorf("set up forward tunnel: %w", err)
		}
	}
	return nil
}

// TeardownEnvironment reverses the port mapping PrepareEnvironment set up,
// mirroring the teacher's ReverseRemove cleanup call around New(). Forward
// mode has nothing persistent to remove: the agent's own listener goes away
// when the process exits.
func (l *ServerLauncher) TeardownEnvironment(ctx context.Context, cfg sdriver.SessionConfig) error {
	if cfg.ConnectionMode == sdriver.ModeReverse {
		return l.Adb.ReverseRemove(ctx, l.Serial, l.localAbstract())
	}
	return nil
}

// StartServer spawns the remote agent via `adb shell` and returns once the
// process has started — not once it has produced its first connection,
// which the caller observes separately via SocketAcceptor.
// WaitForVideoConnection.
func (l *ServerLauncher) StartServer(ctx context.Context, cfg sdriver.SessionConfig) (*ChildHandle, error) {
	path, err := GetADBPath()
	if err != nil {
		return nil, err
	}
	cmdStr := l.buildShellCommand(cfg)

	args := []string{}
	if l.Serial != "" {
		args = append(args, "-s", l.Serial)
	}
	args = append(args, "shell", cmdStr)

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	handle := &ChildHandle{cmd: cmd, exitCh: make(chan ExitEvent, 1)}
	go func() {
		err := cmd.Wait()
		code := 0
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		if err != nil {
			log.Printf("[launcher][warn] agent exited: %v (code=%d)", err, code)
		} else {
			log.Printf("[launcher][info] agent exited normally")
		}
		handle.exitCh <- ExitEvent{Code: code, Err: err}
	}()
	return handle, nil
}

// buildShellCommand constructs the `CLASSPATH=... app_process / ... key=value...`
// invocation line, grounded on the teacher's toScrcpyCommand.
func (l *ServerLauncher) buildShellCommand(cfg sdriver.SessionConfig) string {
	base := fmt.Sprintf("CLASSPATH=%s app_process / com.genymobile.scrcpy.Server %s",
		agentRemotePath, agentVersion)
	args := BuildAgentArgs(cfg, l.scid)
	return strings.Join(append([]string{base}, args...), " ")
}

// BuildAgentArgs constructs the agent's key=value argument list from cfg.
// scid, log_level, control, video, video_source, video_codec and audio
// (true or false) are always emitted; max_size, video_bit_rate, max_fps,
// audio_codec, show_touches, turn_screen_off and stay_awake are emitted only
// when their SessionConfig field is non-zero/true, via the
// `if v, ok := params[key]; ok && v != ""` guard.
func BuildAgentArgs(cfg sdriver.SessionConfig, scid string) []string {
	params := map[string]string{
		"scid":         scid,
		"log_level":    "info",
		"control":      "false",
		"video":        "true",
		"video_source": "display",
		"video_codec":  cfg.VideoCodec.String(),
	}
	if cfg.MaxSize > 0 {
		params["max_size"] = strconv.Itoa(cfg.MaxSize)
	}
	if cfg.BitrateBps > 0 {
		params["video_bit_rate"] = strconv.Itoa(cfg.BitrateBps)
	}
	if cfg.MaxFPS > 0 {
		params["max_fps"] = strconv.Itoa(cfg.MaxFPS)
	}
	if cfg.AudioEnabled {
		params["audio"] = "true"
		params["audio_codec"] = cfg.AudioCodec.String()
	} else {
		params["audio"] = "false"
	}
	if cfg.ShowTouches {
		params["show_touches"] = "true"
	}
	if cfg.TurnScreenOff {
		params["turn_screen_off"] = "true"
	}
	if cfg.StayAwake {
		params["stay_awake"] = "true"
	}

	keys := []string{
		"scid", "log_level", "control", "video", "video_source", "video_codec",
		"max_size", "video_bit_rate", "max_fps", "audio", "audio_codec",
		"show_touches", "turn_screen_off", "stay_awake",
	}
	var args []string
	for _, k := range keys {
		if v, ok := params[k]; ok && v != "" {
			args = append(args, fmt.Sprintf("%s=%s", k, v))
		}
	}
	return args
}
