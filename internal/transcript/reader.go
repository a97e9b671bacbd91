// Package transcript replays session transcripts against recorded turns.
package transcript

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/samotage/headspace/internal/models"
)

// MaxLineSize caps a single transcript line. Longer lines are skipped.
const MaxLineSize = 4 * 1024 * 1024

// Entry is one message read from a transcript.
type Entry struct {
	Actor models.Actor
	Text  string
	// Timestamp is zero when the line carried none.
	Timestamp time.Time
	// Offset is the byte offset just past this entry's line.
	Offset int64
}

// Batch is the result of one read.
type Batch struct {
	Entries    []Entry
	NextOffset int64
	// Malformed counts lines that were not valid JSON or were oversized.
	Malformed int
	// Reset is set when the file was shorter than the requested offset and
	// was read from the start.
	Reset bool
}

// EntrySource reads transcript entries past a byte offset.
type EntrySource interface {
	ReadSince(ctx context.Context, path string, offset int64, flush bool) (*Batch, error)
}

// Reader reads Claude Code JSONL transcripts.
type Reader struct {
	// MaxLine overrides MaxLineSize when positive.
	MaxLine int
}

// line mirrors the fields of a transcript line that matter here.
type line struct {
	Type      string    `json:"type"`
	IsMeta    bool      `json:"isMeta"`
	Timestamp time.Time `json:"timestamp"`
	Message   struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ReadSince returns the entries after offset. Only newline-terminated lines
// are consumed unless flush is set, so a line still being written is picked
// up whole on the next read.
func (rd Reader) ReadSince(ctx context.Context, path string, offset int64, flush bool) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat transcript: %w", err)
	}

	batch := &Batch{NextOffset: offset}
	if offset > info.Size() {
		offset = 0
		batch.Reset = true
		batch.NextOffset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek transcript: %w", err)
	}

	limit := MaxLineSize
	if rd.MaxLine > 0 {
		limit = rd.MaxLine
	}

	r := bufio.NewReader(f)
	pos := offset
	for {
		if err := ctx.Err(); err != nil {
			return batch, err
		}

		raw, n, oversized, terminated, err := readLine(r, limit)
		if err != nil {
			return batch, fmt.Errorf("read transcript: %w", err)
		}
		if n == 0 {
			break
		}
		if !terminated && !flush {
			break
		}

		pos += int64(n)
		batch.NextOffset = pos

		if oversized {
			batch.Malformed++
		} else if e, ok, bad := parseLine(raw); bad {
			batch.Malformed++
		} else if ok {
			e.Offset = pos
			batch.Entries = append(batch.Entries, e)
		}

		if !terminated {
			break
		}
	}
	return batch, nil
}

// readLine reads up to and including the next newline. n is the number of
// bytes consumed. A line longer than limit is drained in buffer-sized
// chunks and reported as oversized with a nil raw.
func readLine(r *bufio.Reader, limit int) (raw []byte, n int, oversized, terminated bool, err error) {
	for {
		chunk, err := r.ReadSlice('\n')
		n += len(chunk)
		if !oversized {
			if n > limit {
				oversized, raw = true, nil
			} else {
				raw = append(raw, chunk...)
			}
		}
		switch {
		case err == nil:
			return raw, n, oversized, true, nil
		case errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF):
			return raw, n, oversized, false, nil
		default:
			return raw, n, oversized, false, err
		}
	}
}

// parseLine extracts an entry. ok is false for lines that carry no message
// text; bad is set when the line is not valid JSON.
func parseLine(raw []byte) (e Entry, ok, bad bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Entry{}, false, false
	}

	var l line
	if err := json.Unmarshal(raw, &l); err != nil {
		return Entry{}, false, true
	}
	if l.IsMeta {
		return Entry{}, false, false
	}

	switch l.Type {
	case "user":
		e.Actor = models.ActorUser
	case "assistant":
		e.Actor = models.ActorAgent
	default:
		return Entry{}, false, false
	}

	e.Text = contentText(l.Message.Content)
	if strings.TrimSpace(e.Text) == "" {
		return Entry{}, false, false
	}
	if !l.Timestamp.IsZero() {
		e.Timestamp = l.Timestamp.UTC()
	}
	return e, true, false
}

// contentText accepts a plain string or an array of content blocks, keeping
// only text blocks.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}
