package output

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samotage/headspace/internal/models"
	"github.com/samotage/headspace/internal/reaper"
)

func newTestUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &UI{Out: out, ErrOut: errOut}, out, errOut
}

func noColor(t *testing.T) {
	t.Helper()
	orig := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = orig })
}

func TestMessages(t *testing.T) {
	u, out, errOut := newTestUI()

	u.Info("hello %s", "world")
	u.Success("done %d", 42)
	u.Warning("careful %s", "now")
	u.Error("failed %s", "badly")

	assert.Contains(t, out.String(), "hello world")
	assert.Contains(t, out.String(), "done 42")
	assert.Contains(t, errOut.String(), "careful now")
	assert.Contains(t, errOut.String(), "failed badly")
	assert.NotContains(t, out.String(), "careful")
}

func TestVerboseLog(t *testing.T) {
	u, out, _ := newTestUI()
	u.VerboseLog("detail %d", 1)
	assert.Empty(t, out.String())

	u.Verbose = true
	u.VerboseLog("detail %d", 1)
	assert.Contains(t, out.String(), "detail 1")
}

func TestDryRunMsg(t *testing.T) {
	u, _, errOut := newTestUI()
	u.DryRunMsg("would remove %s", "pid file")
	assert.Empty(t, errOut.String())

	u.DryRun = true
	u.DryRunMsg("would remove %s", "pid file")
	assert.Contains(t, errOut.String(), "[DRY-RUN] would remove pid file")
}

func TestTaskStateColor(t *testing.T) {
	noColor(t)
	for _, s := range models.AllTaskStates {
		assert.Equal(t, string(s), TaskStateColor(s))
	}
	assert.Equal(t, "bogus", TaskStateColor(models.TaskState("bogus")))
}

func TestConfidenceColor(t *testing.T) {
	noColor(t)
	assert.Equal(t, "0.95", ConfidenceColor(0.95))
	assert.Equal(t, "0.50", ConfidenceColor(0.5))
	assert.Equal(t, "0.10", ConfidenceColor(0.1))
}

func TestActionColor(t *testing.T) {
	noColor(t)
	assert.Equal(t, "reaped", ActionColor(reaper.ActionReaped))
	assert.Equal(t, "skipped_grace", ActionColor(reaper.ActionSkippedGrace))
}

func TestAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		ago  time.Duration
		want string
	}{
		{-time.Second, "0s"},
		{42 * time.Second, "42s"},
		{5 * time.Minute, "5m"},
		{3 * time.Hour, "3h"},
		{72 * time.Hour, "3d"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Age(now.Add(-tt.ago), now), tt.ago.String())
	}
	assert.Equal(t, "-", Age(time.Time{}, now))
}

func TestJSON(t *testing.T) {
	u, out, _ := newTestUI()
	require.NoError(t, u.JSON(map[string]int{"reaped": 2}))
	assert.JSONEq(t, `{"reaped":2}`, out.String())
}

func TestTable(t *testing.T) {
	u, out, _ := newTestUI()
	table := u.Table([]string{"Agent", "State"})
	require.NotNil(t, table)

	require.NoError(t, table.Append([]string{"a1b2c3", "processing"}))
	require.NoError(t, table.Append([]string{"d4e5f6", "idle"}))
	require.NoError(t, table.Render())

	result := out.String()
	assert.Contains(t, result, "a1b2c3")
	assert.Contains(t, result, "processing")
	assert.Contains(t, result, "d4e5f6")
}
