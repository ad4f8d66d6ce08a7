package acp

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
)

// LineTap inspects a JSON line before it reaches the protocol reader. It
// returns true when it consumed the line, in which case the line is not
// forwarded.
type LineTap func(line []byte) bool

// JSONLineFilterReader wraps the agent's stdout and forwards only lines that
// look like JSON-RPC messages. Agents sometimes print banners, ANSI escape
// sequences or crash output on stdout; those lines are logged and dropped.
//
// When Tap is set every JSON line is offered to it first, in the order the
// lines were read. Because the protocol reader only sees a line after all
// earlier lines were tapped, anything the tap does for line N happens before
// the reader can observe line N+1.
type JSONLineFilterReader struct {
	Tap LineTap

	scanner *bufio.Scanner
	logger  *slog.Logger
	pending []byte
	dropped int
}

// NewJSONLineFilterReader creates a filtering reader over r. A nil logger
// drops non-JSON lines silently.
func NewJSONLineFilterReader(r io.Reader, logger *slog.Logger) *JSONLineFilterReader {
	const (
		initialBufSize = 1024 * 1024
		maxBufSize     = 10 * 1024 * 1024
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialBufSize), maxBufSize)

	return &JSONLineFilterReader{
		scanner: scanner,
		logger:  logger,
	}
}

// Dropped returns how many non-JSON lines were discarded so far.
func (f *JSONLineFilterReader) Dropped() int {
	return f.dropped
}

// Read implements io.Reader. It returns at most one forwarded line per call.
func (f *JSONLineFilterReader) Read(p []byte) (int, error) {
	if len(f.pending) > 0 {
		n := copy(p, f.pending)
		f.pending = f.pending[n:]
		return n, nil
	}

	for f.scanner.Scan() {
		line := bytes.TrimSpace(f.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if line[0] != '{' {
			f.drop(line)
			continue
		}

		if f.Tap != nil && f.Tap(line) {
			continue
		}

		buf := make([]byte, len(line)+1)
		copy(buf, line)
		buf[len(line)] = '\n'

		n := copy(p, buf)
		f.pending = buf[n:]
		return n, nil
	}

	if err := f.scanner.Err(); err != nil {
		return 0, err
	}
	return 0, io.EOF
}

func (f *JSONLineFilterReader) drop(line []byte) {
	f.dropped++
	if f.logger == nil {
		return
	}
	logLine := string(line)
	if len(logLine) > 200 {
		logLine = logLine[:100] + "..." + logLine[len(logLine)-50:]
	}
	f.logger.Debug("Filtered non-JSON line from agent stdout",
		"line", logLine,
		"length", len(line))
}
