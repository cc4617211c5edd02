package process

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// LogEntry represents a single line of engine container output.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"` // "stdout" or "stderr"
	Line      string    `json:"line"`
}

// LogBuffer is a thread-safe ring buffer that stores the last N log lines
// from one engine container and supports live streaming to subscribers.
// Adapted from the teacher's LogBuffer (internal/process/logbuffer.go) —
// same ring-plus-fanout shape, now fed by `docker logs -f` against an
// engine container instead of an agent process's stdout pipe.
type LogBuffer struct {
	mu          sync.RWMutex
	entries     []LogEntry
	maxEntries  int
	subscribers map[chan LogEntry]struct{}
}

// NewLogBuffer creates a log buffer that retains up to maxEntries lines.
func NewLogBuffer(maxEntries int) *LogBuffer {
	return &LogBuffer{
		entries:     make([]LogEntry, 0, maxEntries),
		maxEntries:  maxEntries,
		subscribers: make(map[chan LogEntry]struct{}),
	}
}

func (lb *LogBuffer) write(stream, line string) {
	entry := LogEntry{Timestamp: time.Now().UTC(), Stream: stream, Line: line}

	lb.mu.Lock()
	if len(lb.entries) >= lb.maxEntries {
		lb.entries = lb.entries[1:]
	}
	lb.entries = append(lb.entries, entry)
	for ch := range lb.subscribers {
		select {
		case ch <- entry:
		default:
		}
	}
	lb.mu.Unlock()
}

// Recent returns the last n entries in the buffer (all of them if n<=0).
func (lb *LogBuffer) Recent(n int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	total := len(lb.entries)
	if n <= 0 || n > total {
		n = total
	}
	start := total - n
	result := make([]LogEntry, n)
	copy(result, lb.entries[start:])
	return result
}

// Subscribe returns a channel that receives new log entries as they
// arrive. Call Unsubscribe when done to avoid leaks.
func (lb *LogBuffer) Subscribe() chan LogEntry {
	ch := make(chan LogEntry, 64)
	lb.mu.Lock()
	lb.subscribers[ch] = struct{}{}
	lb.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (lb *LogBuffer) Unsubscribe(ch chan LogEntry) {
	lb.mu.Lock()
	delete(lb.subscribers, ch)
	lb.mu.Unlock()
	close(ch)
}

// logTailers holds one LogBuffer per container name, backing the admin
// surface's "show me recent engine output" and live-tail features.
type logTailers struct {
	mu      sync.Mutex
	buffers map[string]*LogBuffer
}

func newLogTailers() *logTailers {
	return &logTailers{buffers: make(map[string]*LogBuffer)}
}

// Tail starts (if not already running) a `docker logs -f` follower for
// the given container, feeding lines into its LogBuffer, and returns
// that buffer. Safe to call repeatedly for the same container.
func (lt *logTailers) Tail(ctx context.Context, containerName string) *LogBuffer {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if buf, ok := lt.buffers[containerName]; ok {
		return buf
	}

	buf := NewLogBuffer(500)
	lt.buffers[containerName] = buf

	go followContainerLogs(ctx, containerName, buf)
	return buf
}

// Drop stops tracking a container's log buffer, called when its
// container is removed.
func (lt *logTailers) Drop(containerName string) {
	lt.mu.Lock()
	delete(lt.buffers, containerName)
	lt.mu.Unlock()
}

func followContainerLogs(ctx context.Context, containerName string, buf *LogBuffer) {
	cmd := exec.CommandContext(ctx, "docker", "logs", "-f", "--tail", "100", containerName)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Warn().Err(err).Str("container", containerName).Msg("could not attach to container stdout")
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		log.Warn().Err(err).Str("container", containerName).Msg("could not attach to container stderr")
		return
	}

	if err := cmd.Start(); err != nil {
		log.Warn().Err(err).Str("container", containerName).Msg("could not start docker logs follower")
		return
	}

	go scanLines(stdout, "stdout", buf)
	go scanLines(stderr, "stderr", buf)

	_ = cmd.Wait()
}

func scanLines(r io.Reader, stream string, buf *LogBuffer) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		buf.write(stream, scanner.Text())
	}
}
