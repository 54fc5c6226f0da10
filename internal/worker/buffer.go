package worker

import (
	"bytes"
	"os"
	"sync"
	"time"
)

// Flush policy for captured process output.
const (
	flushInterval = time.Second
	flushBytes    = 10 * 1024
	flushLines    = 100
)

// streamBuffer batches one output stream (stdout or stderr) into a log
// file. Writes accumulate and flush when any policy threshold trips: the
// interval timer, the byte threshold, or the line threshold. Bytes past
// the inline cap are counted but dropped, and the buffer remembers that
// it truncated.
type streamBuffer struct {
	mu        sync.Mutex
	file      *os.File
	buf       bytes.Buffer
	lines     int
	written   int64
	total     int64
	cap       int64
	truncated bool
	done      chan struct{}
	wg        sync.WaitGroup
}

func newStreamBuffer(path string, inlineCap int64) (*streamBuffer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	b := &streamBuffer{file: f, cap: inlineCap, done: make(chan struct{})}
	b.wg.Add(1)
	go b.flushLoop()
	return b, nil
}

func (b *streamBuffer) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.flushLocked()
			b.mu.Unlock()
		case <-b.done:
			return
		}
	}
}

// Write implements io.Writer for exec pipes. It never returns an error to
// the child: a full cap drops bytes silently so the process keeps running.
func (b *streamBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += int64(len(p))
	room := b.cap - b.written - int64(b.buf.Len())
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	chunk := p
	if int64(len(chunk)) > room {
		chunk = chunk[:room]
		b.truncated = true
	}
	b.buf.Write(chunk)
	b.lines += bytes.Count(chunk, []byte{'\n'})

	if b.buf.Len() >= flushBytes || b.lines >= flushLines {
		b.flushLocked()
	}
	return len(p), nil
}

func (b *streamBuffer) flushLocked() {
	if b.buf.Len() == 0 {
		return
	}
	n, _ := b.file.Write(b.buf.Bytes())
	b.written += int64(n)
	b.buf.Reset()
	b.lines = 0
}

// Close stops the flush loop, drains the final buffer, and closes the file.
func (b *streamBuffer) Close() error {
	close(b.done)
	b.wg.Wait()
	b.mu.Lock()
	b.flushLocked()
	b.mu.Unlock()
	return b.file.Close()
}

// Written returns bytes actually persisted to the log file.
func (b *streamBuffer) Written() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written + int64(b.buf.Len())
}

// Truncated reports whether the inline cap dropped any bytes.
func (b *streamBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
