// Command mirror is a thin demonstration binary for mirrorcore: it wires one
// ScrcpySession against a real device over adb and drives it from connect
// through capture until interrupted. It owns process lifecycle, signal
// handling, and log configuration the way the teacher's own main.go does; it
// does not serve a GUI or web preview.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"mirrorcore/framepipe"
	"mirrorcore/launcher"
	"mirrorcore/sdriver"
	"mirrorcore/session"
)

func main() {
	serial := flag.String("serial", "", "device serial (empty uses the only attached device)")
	serverJar := flag.String("server-jar", "./scrcpy-server.jar", "path to the scrcpy-server agent artifact")
	port := flag.Int("port", 27183, "local TCP port for the video/audio connection")
	maxSize := flag.Int("max-size", 0, "maximum device-side dimension, 0 = unlimited")
	bitrate := flag.Int("bitrate", 8_000_000, "video bitrate in bits/sec")
	maxFPS := flag.Int("max-fps", 60, "maximum capture frame rate")
	audio := flag.Bool("audio", true, "enable the audio connection")
	flag.Parse()

	cfg := sdriver.DefaultSessionConfig()
	cfg.DeviceSerial = *serial
	cfg.Port = *port
	cfg.MaxSize = *maxSize
	cfg.BitrateBps = *bitrate
	cfg.MaxFPS = *maxFPS
	cfg.AudioEnabled = *audio

	adb := launcher.NewExecAdbService()
	artifact := launcher.AgentArtifact{LocalPath: *serverJar}

	s := session.New(cfg, adb, artifact)
	// The demo binary has nowhere to render; it only reports what arrived.
	s.SetFrameHandler(func(f framepipe.Frame) {
		log.Printf("[mirror] frame %dx%d pts=%d", f.Width, f.Height, f.PTS)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, s); err != nil {
		log.Fatalf("[mirror] %v", err)
	}
}

func run(ctx context.Context, s *session.ScrcpySession) error {
	if err := s.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := s.StartCapture(ctx); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	log.Printf("[mirror] capturing, state=%v", s.State())

	<-ctx.Done()
	log.Println("[mirror] gracefully closing")

	if err := s.StopCapture(); err != nil {
		log.Printf("[mirror] stop capture: %v", err)
	}
	return s.Disconnect()
}
