// Package scrcpyerr implements the session-boundary error taxonomy: a typed
// ScrcpyError plus a classifier that turns raw OS/agent error text into one
// of its kinds, turning failures into `log.Printf("... failed: %v", err)`
// lines but with a machine-usable category attached instead of only a
// human-readable message.
package scrcpyerr

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// ErrorKind enumerates the session-boundary error taxonomy plus the agent
// exit-code taxonomy.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindPortInUse
	KindDeviceNotReady
	KindPortForwardingFailed
	KindAgentStartFailed
	KindDeviceOccupied
	KindConnectionTimeout
	KindConnectionCancelled
	KindReceiveError
	KindProcessTerminated
	KindDecodeFailed
	KindConnectionFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindPortInUse:
		return "PortInUse"
	case KindDeviceNotReady:
		return "DeviceNotReady"
	case KindPortForwardingFailed:
		return "PortForwardingFailed"
	case KindAgentStartFailed:
		return "AgentStartFailed"
	case KindDeviceOccupied:
		return "DeviceOccupied"
	case KindConnectionTimeout:
		return "ConnectionTimeout"
	case KindConnectionCancelled:
		return "ConnectionCancelled"
	case KindReceiveError:
		return "ReceiveError"
	case KindProcessTerminated:
		return "ProcessTerminated"
	case KindDecodeFailed:
		return "DecodeFailed"
	case KindConnectionFailed:
		return "ConnectionFailed"
	default:
		return "Unknown"
	}
}

// ScrcpyError is the typed error carried across session state transitions.
type ScrcpyError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *ScrcpyError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *ScrcpyError) Unwrap() error { return e.Cause }

// New constructs a ScrcpyError wrapping cause under kind.
func New(kind ErrorKind, cause error) *ScrcpyError {
	return &ScrcpyError{Kind: kind, Cause: cause}
}

// Newf constructs a ScrcpyError with a formatted message and no cause.
func Newf(kind ErrorKind, format string, args ...any) *ScrcpyError {
	return &ScrcpyError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// substringRules maps a lowercase substring of an error's text to the kind
// it indicates, checked in order (first match wins).
var substringRules = []struct {
	substr string
	kind   ErrorKind
}{
	{"address already in use", KindPortInUse},
	{"bind: address already in use", KindPortInUse},
	{"device offline", KindDeviceNotReady},
	{"device not found", KindDeviceNotReady},
	{"no devices", KindDeviceNotReady},
	{"could not install", KindPortForwardingFailed},
	{"cannot bind", KindPortForwardingFailed},
	{"could not find the device", KindPortForwardingFailed},
	{"failed to start", KindAgentStartFailed},
	{"already in use by another process", KindDeviceOccupied},
	{"encoder", KindDeviceOccupied},
}

// Classify maps a raw OS/agent error to an ErrorKind using substring
// matching against its text and syscall.Errno comparison for the OS
// bind-failure case: EADDRINUSE is 48 on Darwin, the platform this product
// targets, checked first with errors.Is(err, syscall.EADDRINUSE) so it also
// matches on other platforms whose EADDRINUSE value differs.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return KindPortInUse
	}

	text := strings.ToLower(err.Error())
	for _, rule := range substringRules {
		if strings.Contains(text, rule.substr) {
			return rule.kind
		}
	}
	return KindUnknown
}

// ClassifyExitCode maps an agent process exit code to an ErrorKind: 0 and
// 15 (SIGTERM) are normal, anything else is an abnormal termination.
func ClassifyExitCode(code int) (kind ErrorKind, abnormal bool) {
	if code == 0 || code == 15 {
		return KindUnknown, false
	}
	return KindProcessTerminated, true
}
