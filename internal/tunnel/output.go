package tunnel

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"time"
)

// Limits on what is retained of the forwarder output. Reading continues
// past them; only retention is bounded.
const (
	maxLineBytes = 64 * 1024
	maxLines     = 2000
)

// outputBuffer collects the forwarder's combined output line by line. One
// goroutine reads the pipe until EOF so the forwarder never blocks on a full
// pipe. Over-long lines are cut at maxLineBytes and only the last maxLines
// lines are kept.
type outputBuffer struct {
	mu     sync.Mutex
	lines  []string
	notify chan struct{}
	done   chan struct{}
}

func newOutputBuffer() *outputBuffer {
	return &outputBuffer{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// drain reads r until EOF or a read error.
func (o *outputBuffer) drain(r io.Reader) {
	defer close(o.done)
	br := bufio.NewReader(r)
	var line []byte
	for {
		chunk, more, err := br.ReadLine()
		if room := maxLineBytes - len(line); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			line = append(line, chunk...)
		}
		if err != nil {
			if len(line) > 0 {
				o.add(string(line))
			}
			return
		}
		if more {
			continue
		}
		o.add(string(line))
		line = line[:0]
	}
}

func (o *outputBuffer) add(line string) {
	o.mu.Lock()
	o.lines = append(o.lines, line)
	if n := len(o.lines); n >= 2*maxLines {
		o.lines = append(o.lines[:0:0], o.lines[n-maxLines:]...)
	}
	o.mu.Unlock()
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// String returns the retained output.
func (o *outputBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return strings.Join(o.tail(), "\n")
}

// Lines returns a copy of the retained lines.
func (o *outputBuffer) Lines() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.tail()...)
}

// tail returns the retained window of lines. Callers hold mu.
func (o *outputBuffer) tail() []string {
	if n := len(o.lines); n > maxLines {
		return o.lines[n-maxLines:]
	}
	return o.lines
}

// Closed reports whether the reader reached the end of the stream.
func (o *outputBuffer) Closed() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// settle waits until the stream closes, no new line arrives for quiet, or
// max has passed, whichever comes first.
func (o *outputBuffer) settle(quiet, max time.Duration) {
	deadline := time.NewTimer(max)
	defer deadline.Stop()
	idle := time.NewTimer(quiet)
	defer idle.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-deadline.C:
			return
		case <-idle.C:
			return
		case <-o.notify:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(quiet)
		}
	}
}
