// internal/protocol/framer.go
package protocol

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

var lineDelimiter = []byte("\r\n")

// LineFramer turns the incoming byte stream into trimmed text lines. It
// accumulates raw bytes across reads so that a CRLF pair or a multi-byte
// UTF-8 sequence split across chunk boundaries never breaks framing. The
// set of lines produced is independent of how the stream is chunked.
type LineFramer struct {
	buffer []byte
	logger *zap.Logger
}

// NewLineFramer creates a framer for one connection's read stream
func NewLineFramer(logger *zap.Logger) *LineFramer {
	return &LineFramer{
		logger: logger.With(zap.String("component", "framer")),
	}
}

// Feed appends a chunk of raw bytes and returns every complete line framed
// so far. A trailing partial line stays buffered for the next call. Lines
// that are not valid UTF-8 are logged and dropped; empty lines are skipped.
func (f *LineFramer) Feed(data []byte) []string {
	f.buffer = append(f.buffer, data...)

	var lines []string
	for {
		idx := bytes.Index(f.buffer, lineDelimiter)
		if idx < 0 {
			break
		}

		raw := f.buffer[:idx]
		f.buffer = f.buffer[idx+len(lineDelimiter):]

		if !utf8.Valid(raw) {
			f.logger.Warn("Dropping line with invalid encoding",
				zap.Binary("data", raw),
			)
			continue
		}

		line := strings.TrimSpace(string(raw))
		if line == "" {
			continue
		}

		lines = append(lines, line)
	}

	// Keep the retained partial line from pinning the consumed prefix
	if len(f.buffer) == 0 {
		f.buffer = nil
	}

	return lines
}

// Pending returns the number of buffered bytes awaiting a delimiter
func (f *LineFramer) Pending() int {
	return len(f.buffer)
}
