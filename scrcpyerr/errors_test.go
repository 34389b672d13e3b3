package scrcpyerr

import (
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestClassifySubstringRules(t *testing.T) {
	t.Parallel()
	cases := []struct {
		text string
		want ErrorKind
	}{
		{"bind: address already in use", KindPortInUse},
		{"adb: error: device offline", KindDeviceNotReady},
		{"adb: error: device not found", KindDeviceNotReady},
		{"could not install scrcpy-server.jar", KindPortForwardingFailed},
		{"failed to start the server process", KindAgentStartFailed},
		{"encoder already in use by another process", KindDeviceOccupied},
		{"something entirely unrelated happened", KindUnknown},
	}
	for _, c := range cases {
		got := Classify(errors.New(c.text))
		if got != c.want {
			t.Errorf("Classify(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}

func TestClassifyNilIsUnknown(t *testing.T) {
	t.Parallel()
	if got := Classify(nil); got != KindUnknown {
		t.Errorf("Classify(nil) = %v, want KindUnknown", got)
	}
}

func TestClassifyEADDRINUSEViaRealListenConflict(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	_, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", addr.Port))
	if err == nil {
		t.Fatal("expected second listen on the same port to fail")
	}
	if got := Classify(err); got != KindPortInUse {
		t.Errorf("Classify(real EADDRINUSE) = %v, want KindPortInUse", got)
	}
}

func TestClassifyExitCode(t *testing.T) {
	t.Parallel()
	cases := []struct {
		code         int
		wantAbnormal bool
	}{
		{0, false},
		{15, false},
		{1, true},
		{6, true},
	}
	for _, c := range cases {
		kind, abnormal := ClassifyExitCode(c.code)
		if abnormal != c.wantAbnormal {
			t.Errorf("ClassifyExitCode(%d) abnormal = %v, want %v", c.code, abnormal, c.wantAbnormal)
		}
		if abnormal && kind != KindProcessTerminated {
			t.Errorf("ClassifyExitCode(%d) kind = %v, want KindProcessTerminated", c.code, kind)
		}
	}
}

func TestScrcpyErrorUnwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("boom")
	err := New(KindReceiveError, cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
	if err.Error() == "" {
		t.Error("expected non-empty Error() string")
	}
}
