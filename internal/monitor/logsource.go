package monitor

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"time"
)

// logTimeLayout is the timestamp format at the start of every system.log line.
const logTimeLayout = "2006-01-02 15:04:05"

// maxTailBytes bounds how much of the end of the log a scan reads.
const maxTailBytes = 1 << 20

// Entry is one parsed system.log line.
type Entry struct {
	Timestamp time.Time
	Type      string
	Message   string
	File      string
	Line      string
	URL       string
}

// LogSource yields the most recent log entries, newest first.
type LogSource interface {
	Entries(ctx context.Context, limit int) ([]Entry, error)
}

// FileLogSource reads a pipe separated system.log:
//
//	2026-01-31 12:00:00 | error | message | /path/file.php | 42 | https://example.com/page
type FileLogSource struct {
	Path     string
	Location *time.Location
}

// NewFileLogSource creates a source for path. Timestamps are read in the local time zone.
func NewFileLogSource(path string) *FileLogSource {
	return &FileLogSource{Path: path, Location: time.Local}
}

// Entries returns up to limit entries from the end of the file, newest first. A missing or
// empty file yields no entries.
func (s *FileLogSource) Entries(ctx context.Context, limit int) ([]Entry, error) {
	f, err := os.Open(s.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	offset := size - maxTailBytes
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, err
	}
	if offset > 0 {
		// Drop the partial first line.
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			buf = buf[i+1:]
		}
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	scanner.Buffer(make([]byte, 64*1024), maxTailBytes)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	loc := s.Location
	if loc == nil {
		loc = time.Local
	}
	entries := make([]Entry, 0, limit)
	for i := len(lines) - 1; i >= 0 && len(entries) < limit; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e, ok := ParseLine(lines[i], loc); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// ParseLine parses one system.log line. Lines without a timestamp and type are skipped.
func ParseLine(line string, loc *time.Location) (Entry, bool) {
	parts := strings.Split(line, "|")
	if len(parts) < 3 {
		return Entry{}, false
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	ts, err := time.ParseInLocation(logTimeLayout, parts[0], loc)
	if err != nil {
		return Entry{}, false
	}

	e := Entry{Timestamp: ts, Type: parts[1], Message: parts[2]}
	if len(parts) > 3 {
		e.File = parts[3]
	}
	if len(parts) > 4 {
		e.Line = parts[4]
	}
	if len(parts) > 5 {
		e.URL = strings.Join(parts[5:], "|")
	}
	return e, true
}
