// Package buffer provides the bounded output buffer used for session replay.
package buffer

import (
	"bytes"
	"sync"
	"unicode/utf8"
)

// OutputBuffer is a thread-safe, order-preserving store of the most recent
// output of a session. It is bounded both in lines and in bytes; when either
// bound is exceeded the oldest data is discarded first. Eviction never leaves
// the continuation bytes of a partly evicted UTF-8 character at the front.
//
// Every byte ever written has a sequence number. Cursor returns the sequence
// number one past the newest byte, and Since returns everything written at or
// after a given cursor that is still retained. This lets a stream remember how
// far a client has been served and replay only the gap later.
type OutputBuffer struct {
	mu       sync.RWMutex
	data     []byte
	start    uint64   // sequence number of data[0]
	newlines []uint64 // sequence numbers of retained '\n' bytes, ascending

	maxLines int
	maxBytes int
}

// New creates a buffer holding at most maxLines lines and maxBytes bytes.
// A non-positive maxLines disables the line bound. A non-positive maxBytes
// defaults to 1.
func New(maxLines, maxBytes int) *OutputBuffer {
	if maxBytes <= 0 {
		maxBytes = 1
	}
	if maxLines < 0 {
		maxLines = 0
	}
	return &OutputBuffer{
		data:     make([]byte, 0, min(maxBytes, 4096)),
		maxLines: maxLines,
		maxBytes: maxBytes,
	}
}

// Write appends p, evicting the oldest data as needed. It never fails and
// always reports len(p), so it can back an io.Writer.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	base := b.end()
	for i, c := range p {
		if c == '\n' {
			b.newlines = append(b.newlines, base+uint64(i))
		}
	}

	// Only the tail of an oversized write can survive.
	if len(p) >= b.maxBytes {
		skip := len(p) - b.maxBytes
		b.data = append(b.data[:0], p[skip:]...)
		b.start = base + uint64(skip)
		b.alignLocked()
	} else {
		b.data = append(b.data, p...)
		if excess := len(b.data) - b.maxBytes; excess > 0 {
			b.dropLocked(excess)
		}
	}
	b.pruneNewlinesLocked()
	b.enforceLinesLocked()

	return len(p), nil
}

// enforceLinesLocked discards whole lines from the front until the number of
// retained lines, counting a trailing partial line, is within maxLines.
func (b *OutputBuffer) enforceLinesLocked() {
	if b.maxLines == 0 {
		return
	}
	for b.linesLocked() > b.maxLines && len(b.newlines) > 0 {
		cut := b.newlines[0] + 1 - b.start
		b.dropLocked(int(cut))
		b.newlines = b.newlines[1:]
	}
}

func (b *OutputBuffer) dropLocked(n int) {
	b.data = b.data[n:]
	b.start += uint64(n)
	b.alignLocked()
}

// alignLocked drops continuation bytes left at the front by eviction. Runs of
// continuation bytes too long to belong to one character are kept as data.
func (b *OutputBuffer) alignLocked() {
	n := 0
	for n < len(b.data) && n < utf8.UTFMax-1 && !utf8.RuneStart(b.data[n]) {
		n++
	}
	if n > 0 && (n == len(b.data) || utf8.RuneStart(b.data[n])) {
		b.data = b.data[n:]
		b.start += uint64(n)
	}
}

func (b *OutputBuffer) pruneNewlinesLocked() {
	i := 0
	for i < len(b.newlines) && b.newlines[i] < b.start {
		i++
	}
	if i > 0 {
		b.newlines = b.newlines[i:]
	}
}

func (b *OutputBuffer) linesLocked() int {
	n := len(b.newlines)
	if len(b.data) > 0 && b.data[len(b.data)-1] != '\n' {
		n++
	}
	return n
}

func (b *OutputBuffer) end() uint64 {
	return b.start + uint64(len(b.data))
}

// ReadAll returns a copy of all retained data, or nil when empty.
func (b *OutputBuffer) ReadAll() []byte {
	data, _ := b.Since(0)
	return data
}

// Since returns a copy of the retained data at or after cursor, and the cursor
// to pass on the next call. A cursor older than the oldest retained byte is
// clamped, so bytes evicted in between are skipped rather than reported.
func (b *OutputBuffer) Since(cursor uint64) ([]byte, uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	end := b.end()
	if cursor < b.start {
		cursor = b.start
	}
	if cursor >= end {
		return nil, end
	}
	return bytes.Clone(b.data[cursor-b.start:]), end
}

// Cursor returns the sequence number one past the newest byte written.
func (b *OutputBuffer) Cursor() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.end()
}

// Start returns the sequence number of the oldest retained byte. It equals
// the number of bytes evicted so far.
func (b *OutputBuffer) Start() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.start
}

// Clear discards all retained data. Sequence numbers keep increasing.
func (b *OutputBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start = b.end()
	b.data = b.data[:0]
	b.newlines = b.newlines[:0]
}

// Len returns the number of retained bytes.
func (b *OutputBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// Lines returns the number of retained lines, counting a trailing partial line.
func (b *OutputBuffer) Lines() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.linesLocked()
}

// Cap returns the byte bound.
func (b *OutputBuffer) Cap() int {
	return b.maxBytes
}

// MaxLines returns the line bound, 0 when unbounded.
func (b *OutputBuffer) MaxLines() int {
	return b.maxLines
}

// CompleteRunes returns the length of the longest prefix of p that does not
// end inside a multi-byte UTF-8 sequence. Invalid bytes count as complete.
func CompleteRunes(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-(utf8.UTFMax-1); i-- {
		if utf8.RuneStart(p[i]) {
			if utf8.FullRune(p[i:]) {
				return len(p)
			}
			return i
		}
	}
	return len(p)
}
