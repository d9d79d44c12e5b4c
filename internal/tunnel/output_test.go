package tunnel

import (
	"fmt"
	"io"
	"strings"
	"testing"
	"time"
)

func TestOutputBuffer_DrainsToEOF(t *testing.T) {
	o := newOutputBuffer()
	o.drain(strings.NewReader("one\ntwo\nthree"))

	if !o.Closed() {
		t.Error("expected closed after EOF")
	}
	if got := o.String(); got != "one\ntwo\nthree" {
		t.Errorf("String = %q", got)
	}
	if len(o.Lines()) != 3 {
		t.Errorf("Lines = %v", o.Lines())
	}
}

func TestOutputBuffer_LongLinesAreCutNotFatal(t *testing.T) {
	input := strings.Repeat("x", 2000000) + "\n" + strings.Repeat("y", 300000) + "\nlast"
	o := newOutputBuffer()
	o.drain(strings.NewReader(input))

	if !o.Closed() {
		t.Fatal("expected closed after EOF")
	}
	lines := o.Lines()
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	if len(lines[0]) != maxLineBytes || strings.Trim(lines[0], "x") != "" {
		t.Errorf("first line has %d bytes, want %d x's", len(lines[0]), maxLineBytes)
	}
	if len(lines[1]) != maxLineBytes || strings.Trim(lines[1], "y") != "" {
		t.Errorf("second line has %d bytes, want %d y's", len(lines[1]), maxLineBytes)
	}
	if lines[2] != "last" {
		t.Errorf("third line = %q", lines[2])
	}
}

func TestOutputBuffer_KeepsLastLines(t *testing.T) {
	var b strings.Builder
	total := 3*maxLines + 7
	for i := 0; i < total; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	o := newOutputBuffer()
	o.drain(strings.NewReader(b.String()))

	lines := o.Lines()
	if len(lines) != maxLines {
		t.Fatalf("kept %d lines, want %d", len(lines), maxLines)
	}
	if want := fmt.Sprintf("line %d", total-1); lines[len(lines)-1] != want {
		t.Errorf("last line = %q, want %q", lines[len(lines)-1], want)
	}
	if want := fmt.Sprintf("line %d", total-maxLines); lines[0] != want {
		t.Errorf("first kept line = %q, want %q", lines[0], want)
	}
}

func TestOutputBuffer_SettleIsBounded(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	o := newOutputBuffer()
	go o.drain(pr)

	// a writer that never stops
	go func() {
		for {
			if _, err := pw.Write([]byte("spam\n")); err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	start := time.Now()
	o.settle(100*time.Millisecond, 300*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("settle took %s", elapsed)
	}
	pr.Close()
}

func TestOutputBuffer_SettleQuiet(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	o := newOutputBuffer()
	go o.drain(pr)

	start := time.Now()
	o.settle(50*time.Millisecond, 5*time.Second)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("settle on a silent stream took %s", elapsed)
	}
	pr.Close()
}
