package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// MaxLineSize is the maximum accepted NDJSON line size (16 MiB). Agent tool
// results can embed whole files, so the limit is generous.
const MaxLineSize = 16 * 1024 * 1024

// Encoder writes NDJSON messages to an output stream
type Encoder struct {
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new NDJSON encoder
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes a message as a single JSON line
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if len(data) > MaxLineSize {
		e.logger.Error("message exceeds size limit",
			"size", len(data),
			"limit", MaxLineSize)
		return fmt.Errorf("message size %d exceeds limit %d", len(data), MaxLineSize)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	// Flush immediately so tailing readers see complete lines
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

// LineReader splits a stream into complete lines. A trailing fragment with
// no newline is held back until EOF and then delivered as the final line.
// Lines longer than MaxLineSize are skipped whole and reading continues with
// the next line.
type LineReader struct {
	reader  *bufio.Reader
	logger  *slog.Logger
	buf     []byte
	maxSize int
	lineNum int
	skipped int
}

// NewLineReader creates a line reader over r
func NewLineReader(r io.Reader, logger *slog.Logger) *LineReader {
	return &LineReader{
		reader:  bufio.NewReaderSize(r, 64*1024),
		logger:  logger,
		maxSize: MaxLineSize,
	}
}

// Next returns the next non-blank line. The returned slice is only valid
// until the following call. io.EOF is returned when the stream is drained.
func (l *LineReader) Next() ([]byte, error) {
	for {
		oversized, err := l.readLine()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			l.logger.Error("failed to read line",
				"line", l.lineNum+1,
				"error", err)
			return nil, fmt.Errorf("read error at line %d: %w", l.lineNum+1, err)
		}
		l.lineNum++

		if oversized {
			l.skipped++
			l.logger.Warn("skipping oversized line",
				"line", l.lineNum,
				"limit", l.maxSize)
			continue
		}
		data := bytes.TrimSpace(l.buf)
		if len(data) == 0 {
			continue
		}
		return data, nil
	}
}

// readLine gathers one line into l.buf. Once a line passes maxSize the rest
// of it is discarded up to the newline and oversized is reported.
func (l *LineReader) readLine() (oversized bool, err error) {
	l.buf = l.buf[:0]
	started := false
	for {
		chunk, isPrefix, err := l.reader.ReadLine()
		if err != nil {
			if err == io.EOF && started {
				return oversized, nil
			}
			return false, err
		}
		started = true

		if !oversized {
			if len(l.buf)+len(chunk) > l.maxSize {
				oversized = true
				l.buf = l.buf[:0]
			} else {
				l.buf = append(l.buf, chunk...)
			}
		}
		if !isPrefix {
			return oversized, nil
		}
	}
}

// Skipped returns the number of oversized lines dropped so far
func (l *LineReader) Skipped() int {
	return l.skipped
}

// LineNum returns the number of lines consumed so far
func (l *LineReader) LineNum() int {
	return l.lineNum
}

// Preview returns a short prefix of data suitable for log attributes
func Preview(data []byte) string {
	return string(data[:min(100, len(data))])
}
