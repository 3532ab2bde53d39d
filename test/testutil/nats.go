// Package testutil runs throwaway nats-server processes for integration tests.
package testutil

import (
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

const natsReadyTimeout = 8 * time.Second

// FreePort asks the kernel for an unused loopback TCP port.
func FreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// StartLocalNATSServer launches nats-server with JetStream and a temp store dir.
// The test is skipped when the binary is not on PATH.
// Params: test handle.
// Returns: client URL and an idempotent stop callback.
func StartLocalNATSServer(tb testing.TB) (string, func()) {
	tb.Helper()

	port, err := FreePort()
	if err != nil {
		tb.Fatalf("free port: %v", err)
	}
	cmd := exec.Command("nats-server", "-js", "-a", "127.0.0.1", "-p", strconv.Itoa(port), "-sd", tb.TempDir())
	if err := cmd.Start(); err != nil {
		tb.Skipf("nats-server not available: %v", err)
	}
	url := "nats://127.0.0.1:" + strconv.Itoa(port)

	var once sync.Once
	stop := func() {
		once.Do(func() { terminate(cmd) })
	}
	if !waitReachable(url, natsReadyTimeout) {
		stop()
		tb.Fatalf("nats-server at %s not reachable after %s", url, natsReadyTimeout)
	}
	return url, stop
}

// terminate sends SIGTERM and escalates to SIGKILL after five seconds.
func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	exited := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		<-exited
	}
}

func waitReachable(url string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if nc, err := nats.Connect(url); err == nil {
			nc.Close()
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

// Connect dials url and closes the connection when the test ends.
func Connect(tb testing.TB, url string) *nats.Conn {
	tb.Helper()
	nc, err := nats.Connect(url)
	if err != nil {
		tb.Fatalf("connect %s: %v", url, err)
	}
	tb.Cleanup(nc.Close)
	return nc
}

// JetStream returns a JetStream context on a test-scoped connection.
func JetStream(tb testing.TB, url string) nats.JetStreamContext {
	tb.Helper()
	js, err := Connect(tb, url).JetStream()
	if err != nil {
		tb.Fatalf("jetstream %s: %v", url, err)
	}
	return js
}
