package correlator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkdirs(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		require.NoError(t, os.MkdirAll(p, 0755))
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, nil, 0644))
}

func testResolver(home string) *RootResolver {
	return &RootResolver{Markers: DefaultMarkers, Home: home}
}

func TestResolve(t *testing.T) {
	home := t.TempDir()
	repo := filepath.Join(home, "code", "api")
	mkdirs(t,
		filepath.Join(repo, ".git"),
		filepath.Join(repo, "internal", "auth"),
		filepath.Join(repo, ".claude", "commands"),
		filepath.Join(home, "code", "loose", "sub"),
	)
	goMod := filepath.Join(home, "code", "svc")
	mkdirs(t, filepath.Join(goMod, "cmd"))
	touch(t, filepath.Join(goMod, "go.mod"))

	r := testResolver(home)
	tests := []struct {
		name string
		dir  string
		want string
	}{
		{"root itself", repo, repo},
		{"nested dir", filepath.Join(repo, "internal", "auth"), repo},
		{"inside sentinel", filepath.Join(repo, ".claude", "commands"), repo},
		{"go.mod marker", filepath.Join(goMod, "cmd"), goMod},
		{"no marker keeps dir", filepath.Join(home, "code", "loose", "sub"), filepath.Join(home, "code", "loose", "sub")},
		{"trailing slash", repo + "/", repo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.dir)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_Rejected(t *testing.T) {
	home := t.TempDir()
	r := &RootResolver{Markers: DefaultMarkers, Rejected: DefaultRejected, Home: home}

	for _, dir := range []string{"/", "/tmp", "/tmp/scratch", "/private/tmp/x", "/var/folders/ab/T", "/proc/1", "/dev", "/sys/kernel", home, ""} {
		_, err := r.Resolve(dir)
		assert.ErrorIs(t, err, ErrNonProjectPath, dir)
	}
}

func TestResolve_StopsAtHome(t *testing.T) {
	home := t.TempDir()
	mkdirs(t, filepath.Join(home, ".git"), filepath.Join(home, "notes", "today"))

	got, err := testResolver(home).Resolve(filepath.Join(home, "notes", "today"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "notes", "today"), got, "home's marker is not used")
}

func TestOutsideSentinel(t *testing.T) {
	assert.Equal(t, "/work/api", outsideSentinel("/work/api/.claude/agents/x"))
	assert.Equal(t, "/work/api", outsideSentinel("/work/api"))
	assert.Equal(t, "/", outsideSentinel("/.claude"))
}
