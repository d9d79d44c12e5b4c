// Package logging tees the standard logger into a file that the HTTP API
// can read back and clear.
package logging

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// maxLineBytes caps each line returned by Tail. Forwarder diagnostics can
// be arbitrarily long.
const maxLineBytes = 16 * 1024

// File is the log file behind the standard logger. A nil *File is valid
// and reads as an empty log.
type File struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Open creates path and its directory if needed and tees the standard
// logger into it next to stdout.
func Open(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	lf := &File{f: f, path: path}
	log.SetOutput(io.MultiWriter(os.Stdout, lf))
	log.Printf("Logging to file: %s", path)
	return lf, nil
}

// Write appends p to the file. It is a no-op once the file is closed.
func (l *File) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return len(p), nil
	}
	return l.f.Write(p)
}

// Path returns the file path, or "" for a nil File.
func (l *File) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Tail returns the last n lines. With a component such as "tunnel" only
// lines tagged "[tunnel]" are considered.
func (l *File) Tail(n int, component string) (string, error) {
	if l == nil || n <= 0 {
		return "", nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	tag := ""
	if component != "" {
		tag = "[" + component + "]"
	}
	lines := make([]string, 0, n)
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			if tag == "" || strings.Contains(line, tag) {
				if len(line) > maxLineBytes {
					line = line[:maxLineBytes]
				}
				if len(lines) == n {
					lines = lines[1:]
				}
				lines = append(lines, line)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read log file: %w", err)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// Clear truncates the file; later writes start at offset zero.
func (l *File) Clear() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return os.Truncate(l.path, 0)
	}
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate log file: %w", err)
	}
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek log file: %w", err)
	}
	return nil
}

// Close restores stdout-only logging and closes the file.
func (l *File) Close() error {
	if l == nil {
		return nil
	}
	log.SetOutput(os.Stdout)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
