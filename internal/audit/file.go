package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/csims/csims/internal/shared"
)

const fileMessage = "audit"

// FileSink appends audit entries to a JSON-lines file through slog.
type FileSink struct {
	file   *os.File
	logger *slog.Logger
}

// OpenFileSink opens path for appending, creating it when missing.
func OpenFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, ErrFileNotConfigured
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	return &FileSink{file: f, logger: slog.New(slog.NewJSONHandler(f, nil))}, nil
}

// Record implements shared.AuditRecorder.
func (s *FileSink) Record(ctx context.Context, log shared.AuditLog) error {
	if s == nil {
		return errors.New("audit file sink not initialised")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	at := log.At
	if at.IsZero() {
		at = time.Now()
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, fileMessage,
		slog.Time("at", at.UTC()),
		slog.Int64("actor_id", log.ActorID),
		slog.String("action", log.Action),
		slog.String("entity", log.Entity),
		slog.String("entity_id", log.EntityID),
		slog.Any("meta", log.Meta),
	)
	return nil
}

// Close releases the file.
func (s *FileSink) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	return s.file.Close()
}

// FileReader pages through a JSON-lines audit file.
type FileReader struct {
	path string
}

// NewFileReader constructs a reader for path.
func NewFileReader(path string) *FileReader {
	return &FileReader{path: path}
}

type fileLine struct {
	Msg      string         `json:"msg"`
	At       time.Time      `json:"at"`
	ActorID  int64          `json:"actor_id"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Meta     map[string]any `json:"meta"`
}

// maxLineBytes caps a single audit line. Longer lines are skipped like malformed ones.
const maxLineBytes = 1 << 20

// Timeline returns a latest-first page of matching file entries. Malformed lines are skipped.
// Only the newest page*pageSize matches are held while the file is scanned.
func (r *FileReader) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if r == nil || r.path == "" {
		return Result{}, ErrFileNotConfigured
	}
	page, pageSize := filters.window()
	f, err := os.Open(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return Result{Rows: []TimelineRow{}, Paging: paging(page, pageSize, false)}, nil
	}
	if err != nil {
		return Result{}, err
	}
	defer f.Close()
	start := (page - 1) * pageSize
	newest, total, err := scanLines(ctx, f, filters, start+pageSize)
	if err != nil {
		return Result{}, err
	}
	rows := []TimelineRow{}
	if start < len(newest) {
		rows = newest[start:]
	}
	return Result{Rows: rows, Paging: paging(page, pageSize, total > start+pageSize)}, nil
}

// scanLines returns up to keep matching rows, latest first, and the number of matches.
func scanLines(ctx context.Context, src io.Reader, filters TimelineFilters, keep int) ([]TimelineRow, int, error) {
	br := bufio.NewReaderSize(src, 64*1024)
	ring := make([]TimelineRow, 0, min(keep, 1024))
	total := 0
	var buf []byte
	for n := 0; ; n++ {
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}
		}
		line, skip, err := readLine(br, buf[:0])
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		buf = line
		if skip {
			continue
		}
		var entry fileLine
		if err := json.Unmarshal(line, &entry); err != nil || entry.Msg != fileMessage || entry.Action == "" {
			continue
		}
		row := TimelineRow{
			At:       entry.At,
			ActorID:  entry.ActorID,
			Action:   entry.Action,
			Entity:   entry.Entity,
			EntityID: entry.EntityID,
			Meta:     entry.Meta,
		}
		if !filters.match(row) {
			continue
		}
		if len(ring) < keep {
			ring = append(ring, row)
		} else if keep > 0 {
			ring[total%keep] = row
		}
		total++
	}
	// Unroll the ring so the oldest kept row comes first, then flip it.
	if total > len(ring) && len(ring) > 0 {
		head := total % len(ring)
		ring = slices.Concat(ring[head:], ring[:head])
	}
	slices.Reverse(ring)
	return ring, total, nil
}

// readLine appends the next line to buf without its line ending. A line longer than
// maxLineBytes is consumed in full and reported with skip set. io.EOF is returned
// only once no bytes remain.
func readLine(br *bufio.Reader, buf []byte) ([]byte, bool, error) {
	read, skip := 0, false
	for {
		chunk, err := br.ReadSlice('\n')
		read += len(chunk)
		if !skip && len(buf)+len(chunk) > maxLineBytes+1 {
			skip, buf = true, buf[:0]
		}
		if !skip {
			buf = append(buf, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && read > 0 {
			err = nil
		}
		if err != nil {
			return buf, skip, err
		}
		return bytes.TrimRight(buf, "\r\n"), skip, nil
	}
}
