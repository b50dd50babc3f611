package hook

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/alecthomas/kingpin.v2"
)

func TestConfigFlags(t *testing.T) {
	var cfg Config
	app := kingpin.New("test", "")
	cmd := app.Command("run", "")
	cfg.RegisterFlags(cmd)

	_, err := app.Parse([]string{"run", "--base", "0x400000", "--strict-wx", "--hook", "puts=my_puts", "--hook", "abort=exit"})
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, uint64(0x400000), cfg.Base)
	require.Equal(t, "libc.so.6", cfg.Libc)
	require.True(t, cfg.StrictWX)
	require.False(t, cfg.RequireBase)
	require.False(t, cfg.BindImports)
	require.Equal(t, []HookConfig{{Symbol: "puts", Target: "my_puts"}, {Symbol: "abort", Target: "exit"}}, cfg.Hooks)

	e := &Engine{}
	for _, opt := range cfg.Options() {
		opt(e)
	}
	require.True(t, e.strictWX)
	require.False(t, e.requireBase)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{hookFlags: []string{"missing-target"}}
	require.Error(t, cfg.Validate())

	cfg = Config{Hooks: []HookConfig{{Symbol: "puts"}}}
	require.Error(t, cfg.Validate())

	cfg = Config{hookFlags: []string{"a=b=c"}}
	require.NoError(t, cfg.Validate())
	require.Equal(t, []HookConfig{{Symbol: "a", Target: "b=c"}}, cfg.Hooks)
}

func TestConfigLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "elfhook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
base: 0x7f0000000000
libc: /lib/x86_64-linux-gnu/libc.so.6
bind_imports: true
hooks:
  - symbol: puts
    target: write
`), 0o644))

	cfg := Config{Libc: "libc.so.6", StrictWX: true}
	require.NoError(t, cfg.LoadFile(path))
	require.Equal(t, uint64(0x7f0000000000), cfg.Base)
	require.Equal(t, "/lib/x86_64-linux-gnu/libc.so.6", cfg.Libc)
	require.True(t, cfg.BindImports)
	require.True(t, cfg.StrictWX)
	require.Equal(t, []HookConfig{{Symbol: "puts", Target: "write"}}, cfg.Hooks)

	require.NoError(t, os.WriteFile(path, []byte("unknown_field: 1\n"), 0o644))
	require.Error(t, cfg.LoadFile(path))

	require.Error(t, cfg.LoadFile(filepath.Join(dir, "missing.yaml")))
}

func TestErrorHelpers(t *testing.T) {
	var err error = &StateError{Op: "run", State: StateUnloaded}
	require.True(t, IsStateError(err))
	require.False(t, IsBoundsError(err))
	require.EqualError(t, err, "hook: run not allowed in state unloaded")

	err = &BoundsError{Op: "set memory", Offset: 0x2000, Len: 4, Size: 0x1000}
	require.True(t, IsBoundsError(err))
	require.Contains(t, err.Error(), "out of bounds")

	err = &MemoryMapError{Op: "mmap", Addr: 0x1000, Size: 0x1000, Err: os.ErrPermission}
	require.True(t, IsMemoryMapError(err))
	require.ErrorIs(t, err, os.ErrPermission)
}
