// Package handoff passes the relay's listening socket to a replacement
// process, so a restart never refuses connections.
package handoff

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
)

const (
	EnvInherit = "RELAY_INHERIT_FD"
	EnvFD      = "RELAY_LISTEN_FD"
)

// Listen returns the socket inherited from a previous relay process, or a
// fresh one on addr. inherited reports which.
func Listen(addr string) (ln net.Listener, inherited bool, err error) {
	ln, err = fromEnv()
	if err != nil {
		return nil, false, err
	}
	if ln != nil {
		return ln, true, nil
	}
	ln, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, false, nil
}

func fromEnv() (net.Listener, error) {
	if os.Getenv(EnvInherit) != "1" {
		return nil, nil
	}
	fdStr := os.Getenv(EnvFD)
	if fdStr == "" {
		fdStr = "3"
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return nil, fmt.Errorf("invalid listener fd %q: %w", fdStr, err)
	}
	file := os.NewFile(uintptr(fd), "relay-listener")
	if file == nil {
		return nil, fmt.Errorf("listener fd %d is not open", fd)
	}
	defer file.Close()
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}
	return ln, nil
}

// Successor starts a copy of the running relay that serves on the same
// socket.
type Successor struct {
	Listener net.Listener
	Args     []string
	Env      []string
	Stdout   io.Writer
	Stderr   io.Writer
}

// Start launches the successor and returns its process. The caller should
// stop accepting and drain once Start succeeds.
func (s *Successor) Start() (*os.Process, error) {
	if s.Listener == nil {
		return nil, fmt.Errorf("listener not set")
	}
	if len(s.Args) == 0 {
		return nil, fmt.Errorf("args not set")
	}
	file, err := listenerFile(s.Listener)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cmd := exec.Command(s.Args[0], s.Args[1:]...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	// ExtraFiles[0] is fd 3 in the child.
	cmd.Env = append(append([]string{}, s.Env...), EnvInherit+"=1", EnvFD+"=3")
	cmd.ExtraFiles = []*os.File{file}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start successor: %w", err)
	}
	return cmd.Process, nil
}

func listenerFile(listener net.Listener) (*os.File, error) {
	tcp, ok := listener.(*net.TCPListener)
	if !ok {
		return nil, fmt.Errorf("unsupported listener type %T", listener)
	}
	file, err := tcp.File()
	if err != nil {
		return nil, fmt.Errorf("listener file: %w", err)
	}
	return file, nil
}
