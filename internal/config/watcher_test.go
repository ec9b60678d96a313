package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reload struct {
	file *File
	err  error
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dapctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("configurations:\n  - name: a\n    program: a.go\n"), 0o644))

	reloads := make(chan reload, 8)
	w, err := NewWatcher(path, func(file *File, err error) { reloads <- reload{file, err} }, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, path, w.Path())

	require.NoError(t, os.WriteFile(path, []byte("configurations:\n  - name: a\n    program: a.go\n  - name: b\n    program: b.go\n"), 0o644))

	select {
	case r := <-reloads:
		require.NoError(t, r.err)
		assert.Equal(t, []string{"a", "b"}, r.file.Names())
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
}

func TestWatcherReportsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dapctl.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[configurations]]\nname = \"a\"\n"), 0o644))

	reloads := make(chan reload, 8)
	w, err := NewWatcher(path, func(file *File, err error) { reloads <- reload{file, err} }, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("[[configurations]\n"), 0o644))

	select {
	case r := <-reloads:
		var parseErr *ParseError
		assert.ErrorAs(t, r.err, &parseErr)
		assert.Nil(t, r.file)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dapctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("configurations: []\n"), 0o644))

	reloads := make(chan reload, 8)
	w, err := NewWatcher(path, func(file *File, err error) { reloads <- reload{file, err} }, WithDebounce(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644))

	select {
	case <-reloads:
		t.Fatal("reloaded for an unrelated file")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
