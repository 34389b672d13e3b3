package scrcpyerr

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// PortProbe reports whether a TCP port is already bound by attempting a
// short-lived listen with SO_REUSEADDR disabled, in preference to shelling
// out to `lsof` and optionally killing sibling scrcpy processes.
func PortProbe(port int) error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var controlErr error
			err := c.Control(func(fd uintptr) {
				controlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 0)
			})
			if err != nil {
				return err
			}
			return controlErr
		},
	}

	ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return New(KindPortInUse, err)
	}
	ln.Close()
	return nil
}
