package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samotage/headspace/internal/models"
)

// jsonLine renders one transcript line.
func jsonLine(t *testing.T, typ string, content any, ts time.Time) string {
	t.Helper()
	m := map[string]any{
		"type":    typ,
		"message": map[string]any{"role": typ, "content": content},
	}
	if !ts.IsZero() {
		m["timestamp"] = ts.Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return string(data)
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestReadSince_ParsesEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	lines := []string{
		jsonLine(t, "user", "Fix the login bug", ts),
		jsonLine(t, "assistant", []map[string]any{
			{"type": "text", "text": "Looking at the handler."},
			{"type": "tool_use", "name": "Read"},
			{"type": "text", "text": "Found it."},
		}, ts.Add(time.Second)),
		jsonLine(t, "user", []map[string]any{{"type": "tool_result", "content": "file body"}}, ts.Add(2*time.Second)),
		`{"type":"user","isMeta":true,"message":{"role":"user","content":"caveat"}}`,
		`{"type":"summary","summary":"x"}`,
		`not json`,
		"",
	}
	writeFile(t, path, strings.Join(lines, "\n")+"\n")

	b, err := Reader{}.ReadSince(context.Background(), path, 0, false)
	require.NoError(t, err)
	require.Len(t, b.Entries, 2)

	assert.Equal(t, models.ActorUser, b.Entries[0].Actor)
	assert.Equal(t, "Fix the login bug", b.Entries[0].Text)
	assert.True(t, b.Entries[0].Timestamp.Equal(ts))

	assert.Equal(t, models.ActorAgent, b.Entries[1].Actor)
	assert.Equal(t, "Looking at the handler.\n\nFound it.", b.Entries[1].Text)

	assert.Equal(t, 1, b.Malformed)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), b.NextOffset)
	assert.Equal(t, int64(len(lines[0])+1), b.Entries[0].Offset)
}

func TestReadSince_PartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	first := jsonLine(t, "user", "one", time.Time{})
	partial := jsonLine(t, "assistant", "two", time.Time{})
	writeFile(t, path, first+"\n"+partial)

	b, err := Reader{}.ReadSince(context.Background(), path, 0, false)
	require.NoError(t, err)
	require.Len(t, b.Entries, 1)
	assert.Equal(t, int64(len(first)+1), b.NextOffset, "unterminated line is not consumed")
	assert.True(t, b.Entries[0].Timestamp.IsZero())

	b, err = Reader{}.ReadSince(context.Background(), path, b.NextOffset, true)
	require.NoError(t, err)
	require.Len(t, b.Entries, 1)
	assert.Equal(t, "two", b.Entries[0].Text)
	assert.Equal(t, int64(len(first)+1+len(partial)), b.NextOffset)
}

func TestReadSince_ResumeAndReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeFile(t, path, jsonLine(t, "user", "one", time.Time{})+"\n")

	b, err := Reader{}.ReadSince(context.Background(), path, 0, false)
	require.NoError(t, err)

	again, err := Reader{}.ReadSince(context.Background(), path, b.NextOffset, false)
	require.NoError(t, err)
	assert.Empty(t, again.Entries)
	assert.Equal(t, b.NextOffset, again.NextOffset)

	reset, err := Reader{}.ReadSince(context.Background(), path, b.NextOffset+100, false)
	require.NoError(t, err)
	assert.True(t, reset.Reset)
	assert.Len(t, reset.Entries, 1)
}

func TestReadSince_MissingFile(t *testing.T) {
	_, err := Reader{}.ReadSince(context.Background(), filepath.Join(t.TempDir(), "nope.jsonl"), 0, false)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadSince_OversizedLineSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	big := jsonLine(t, "assistant", strings.Repeat("x", 4096), time.Time{})
	after := jsonLine(t, "user", "still here", time.Time{})
	writeFile(t, path, big+"\n"+after+"\n")

	b, err := Reader{MaxLine: 256}.ReadSince(context.Background(), path, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Malformed)
	require.Len(t, b.Entries, 1)
	assert.Equal(t, "still here", b.Entries[0].Text)
	assert.Equal(t, int64(len(big)+1+len(after)+1), b.NextOffset)
	assert.Equal(t, b.NextOffset, b.Entries[0].Offset)
}

func TestReadLine_DrainsWithoutBuffering(t *testing.T) {
	const size = 1 << 20
	src := io.MultiReader(strings.NewReader(strings.Repeat("a", size)), strings.NewReader("\nnext\n"))
	r := bufio.NewReaderSize(src, 64)

	raw, n, oversized, terminated, err := readLine(r, 128)
	require.NoError(t, err)
	assert.True(t, oversized)
	assert.True(t, terminated)
	assert.Nil(t, raw, "oversized line is not kept")
	assert.Equal(t, size+1, n)

	raw, n, oversized, terminated, err = readLine(r, 128)
	require.NoError(t, err)
	assert.False(t, oversized)
	assert.True(t, terminated)
	assert.Equal(t, "next\n", string(raw))
	assert.Equal(t, 5, n)

	_, n, _, terminated, err = readLine(r, 128)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, terminated)
}
