package broadcast

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/untoldecay/CodeLoom/internal/protocol"
)

// syncWriter collects written lines under a lock.
type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(w.buf.Bytes()))
	for scanner.Scan() {
		out = append(out, scanner.Text())
	}
	return out
}

func waitForLines(t *testing.T, w *syncWriter, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		lines := w.lines()
		if len(lines) >= n {
			return lines
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d lines, have %d", n, len(lines))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOrderedDelivery(t *testing.T) {
	b := New()
	w := &syncWriter{}
	remove := b.AddClient("c1", w)
	defer remove()

	for i := 0; i < 50; i++ {
		b.Broadcast(protocol.NewEvent(protocol.EvFileGenerated, protocol.FilePayload{Path: pathN(i)}))
	}

	lines := waitForLines(t, w, 50)
	for i, line := range lines[:50] {
		var ev struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if ev.Path != pathN(i) {
			t.Fatalf("order violated at %d: got %s", i, ev.Path)
		}
	}
}

func TestSendToTargetsOneClient(t *testing.T) {
	b := New()
	w1, w2 := &syncWriter{}, &syncWriter{}
	defer b.AddClient("c1", w1)()
	defer b.AddClient("c2", w2)()

	b.SendTo("c1", protocol.NewEvent(protocol.EvError, protocol.ErrorPayload{Message: "only c1"}))
	lines := waitForLines(t, w1, 1)
	if !strings.Contains(lines[0], "only c1") {
		t.Errorf("unexpected line: %s", lines[0])
	}

	time.Sleep(50 * time.Millisecond)
	if len(w2.lines()) != 0 {
		t.Error("SendTo leaked to another client")
	}
}

// blockingWriter stalls until released, simulating a slow client.
type blockingWriter struct {
	release chan struct{}
	syncWriter
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	return w.syncWriter.Write(p)
}

func TestChunkDroppingKeepsTerminalEvent(t *testing.T) {
	b := New()
	w := &blockingWriter{release: make(chan struct{})}
	remove := b.AddClient("slow", w)
	defer remove()

	// Flood with more chunk events than the queue holds, then the
	// terminal event.
	for i := 0; i < queueSize*2; i++ {
		b.Broadcast(protocol.NewEvent(protocol.EvFileChunkGenerated, protocol.FilePayload{Path: "a", Chunk: "x"}))
	}
	if b.DroppedEvents() == 0 {
		t.Error("expected chunk drops for the slow client")
	}

	// Unblock the client, then the terminal event must still arrive.
	close(w.release)
	b.Broadcast(protocol.NewEvent(protocol.EvFileGenerated, protocol.FilePayload{Path: "a"}))
	deadline := time.Now().Add(2 * time.Second)
	for {
		lines := w.lines()
		if len(lines) > 0 && strings.Contains(lines[len(lines)-1], protocol.EvFileGenerated) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("terminal file_generated never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRemoveClientStopsDelivery(t *testing.T) {
	b := New()
	w := &syncWriter{}
	b.AddClient("c1", w)
	b.RemoveClient("c1")

	b.Broadcast(protocol.NewEvent(protocol.EvError, protocol.ErrorPayload{Message: "late"}))
	time.Sleep(50 * time.Millisecond)
	for _, line := range w.lines() {
		if strings.Contains(line, "late") {
			t.Error("event delivered after removal")
		}
	}
	if b.ClientCount() != 0 {
		t.Errorf("client count = %d", b.ClientCount())
	}
}

func pathN(i int) string {
	return "file-" + string(rune('a'+i%26)) + "-" + strings.Repeat("x", i/26)
}
