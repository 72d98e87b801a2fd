package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/untoldecay/CodeLoom/internal/debug"
	"github.com/untoldecay/CodeLoom/internal/lockfile"
	"github.com/untoldecay/CodeLoom/internal/server"
)

// daemonClient is one client connection to the project daemon.
type daemonClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

// dialDaemon connects to the project daemon, probing the lock first
// so a missing daemon fails fast with a clear message.
func dialDaemon(stateDir string) (*daemonClient, error) {
	socketPath := server.SocketPath(stateDir)

	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		running, _ := lockfile.TryDaemonLock(stateDir)
		if !running {
			return nil, fmt.Errorf("no daemon running in %s (start one with 'loom serve')", stateDir)
		}
	}

	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		// Socket exists but nobody serves it: stale leftover.
		running, _ := lockfile.TryDaemonLock(stateDir)
		if !running {
			debug.Logf("removing stale socket %s", socketPath)
			_ = os.Remove(socketPath)
			return nil, fmt.Errorf("no daemon running in %s (start one with 'loom serve')", stateDir)
		}
		return nil, fmt.Errorf("connecting to daemon: %w", err)
	}

	c := &daemonClient{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 16*1024*1024),
	}
	return c, nil
}

func (c *daemonClient) Close() error { return c.conn.Close() }

// send writes one message line.
func (c *daemonClient) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(append(data, '\n'))
	return err
}

// next reads one event as a raw map, blocking up to timeout.
func (c *daemonClient) next(timeout time.Duration) (map[string]interface{}, error) {
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var ev map[string]interface{}
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}
	return ev, nil
}

// waitFor reads events until one of the wanted types arrives,
// invoking onEvent for everything seen along the way.
func (c *daemonClient) waitFor(timeout time.Duration, onEvent func(map[string]interface{}), wanted ...string) (map[string]interface{}, error) {
	deadline := time.Now().Add(timeout)
	wantedSet := make(map[string]bool, len(wanted))
	for _, w := range wanted {
		wantedSet[w] = true
	}
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("timed out waiting for %v", wanted)
		}
		ev, err := c.next(remaining)
		if err != nil {
			return nil, err
		}
		if onEvent != nil {
			onEvent(ev)
		}
		if t, _ := ev["type"].(string); wantedSet[t] {
			return ev, nil
		}
	}
}

func eventString(ev map[string]interface{}, key string) string {
	s, _ := ev[key].(string)
	return s
}
