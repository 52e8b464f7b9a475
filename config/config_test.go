package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slackhq/wlandp/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_LoadString(t *testing.T) {
	l := test.NewLogger()

	c := NewC(l)
	require.Error(t, c.LoadString(" invalid yaml"))
	require.Error(t, c.LoadString(""))

	c = NewC(l)
	require.NoError(t, c.LoadString(
		"soc:\n  max_clients: 32\n  pdevs: 1\ninterrupts:\n  contexts:\n    - tx: 1",
		"soc:\n  max_clients: 64\ninterrupts:\n  contexts:\n    - rx: 1\nnew: hi",
	))
	assert.Equal(t, map[string]any{
		"soc": map[string]any{
			"max_clients": 64,
			"pdevs":       1,
		},
		"interrupts": map[string]any{
			"contexts": []any{
				map[string]any{"rx": 1},
				map[string]any{"tx": 1},
			},
		},
		"new": "hi",
	}, c.Settings)
}

func TestConfig_Get(t *testing.T) {
	c := NewC(test.NewLogger())
	c.Settings["soc"] = map[string]any{"max_clients": 64}
	assert.Equal(t, 64, c.Get("soc.max_clients"))
	assert.True(t, c.IsSet("soc.max_clients"))

	assert.Nil(t, c.Get("soc.nope"))
	assert.Nil(t, c.Get("soc.max_clients.deeper"))
	assert.False(t, c.IsSet("nope"))
}

func TestConfig_Getters(t *testing.T) {
	c := NewC(test.NewLogger())
	require.NoError(t, c.LoadString(`
str: hello
num: 42
bad_num: forty
dur: 15ms
slice: [one, two]
maps:
  - a: 1
  - b: 2
mixed:
  - a: 1
  - nope
mask_int: 5
mask_hex: "0x1f"
mask_bin: "0b101"
mask_neg: -1
`))

	assert.Equal(t, "hello", c.GetString("str", "d"))
	assert.Equal(t, "d", c.GetString("missing", "d"))
	assert.Equal(t, 42, c.GetInt("num", 1))
	assert.Equal(t, 1, c.GetInt("bad_num", 1))
	assert.Equal(t, 15*time.Millisecond, c.GetDuration("dur", time.Second))
	assert.Equal(t, time.Second, c.GetDuration("str", time.Second))
	assert.Equal(t, []string{"one", "two"}, c.GetStringSlice("slice", nil))
	assert.Equal(t, []string{"d"}, c.GetStringSlice("str", []string{"d"}))

	assert.Equal(t, []map[string]any{{"a": 1}, {"b": 2}}, c.GetMapSlice("maps", nil))
	assert.Nil(t, c.GetMapSlice("mixed", nil))

	assert.Equal(t, uint32(5), c.GetUint32("mask_int", 0))
	assert.Equal(t, uint32(0x1f), c.GetUint32("mask_hex", 0))
	assert.Equal(t, uint32(5), c.GetUint32("mask_bin", 0))
	assert.Equal(t, uint32(7), c.GetUint32("mask_neg", 7))
	assert.Equal(t, uint32(7), c.GetUint32("missing", 7))
}

func TestConfig_GetBool(t *testing.T) {
	c := NewC(test.NewLogger())

	tests := []struct {
		v    any
		d    bool
		want bool
	}{
		{true, false, true},
		{"true", false, true},
		{false, true, false},
		{"false", true, false},
		{"Y", false, true},
		{"yEs", false, true},
		{"N", true, false},
		{"nO", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		c.Settings["bool"] = tt.v
		assert.Equal(t, tt.want, c.GetBool("bool", tt.d), "%v", tt.v)
	}
}

func TestConfig_GetByteSize(t *testing.T) {
	c := NewC(test.NewLogger())

	tests := []struct {
		v    any
		want int
	}{
		{2097152, 2097152},
		{"4096", 4096},
		{"128KiB", 128 << 10},
		{"128 kb", 128 << 10},
		{"2M", 2 << 20},
		{"2MiB", 2 << 20},
		{"1g", 1 << 30},
		{"12 parsecs", -1},
		{"MiB", -1},
		{"", -1},
	}
	for _, tt := range tests {
		c.Settings["size"] = tt.v
		assert.Equal(t, tt.want, c.GetByteSize("size", -1), "%v", tt.v)
	}
	assert.Equal(t, 9, c.GetByteSize("missing", 9))
}

func TestConfig_HasChanged(t *testing.T) {
	l := test.NewLogger()

	// No reload has occurred
	c := NewC(l)
	c.Settings["test"] = "hi"
	assert.False(t, c.HasChanged(""))

	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "no"}
	assert.True(t, c.HasChanged("test"))
	assert.True(t, c.HasChanged(""))

	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "hi"}
	assert.False(t, c.HasChanged("test"))
	assert.False(t, c.HasChanged(""))
}

func TestConfig_ReloadConfigString(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	require.NoError(t, c.LoadString("logging:\n  level: info"))
	assert.True(t, c.InitialLoad())
	assert.False(t, c.HasChanged("logging.level"))

	calls := 0
	c.RegisterReloadCallback(func(c *C) {
		calls++
	})

	require.NoError(t, c.ReloadConfigString("logging:\n  level: debug"))
	assert.False(t, c.InitialLoad())
	assert.True(t, c.HasChanged("logging.level"))
	assert.True(t, c.HasChanged("logging"))
	assert.Equal(t, 1, calls)

	// A broken reload keeps the old settings and skips the callbacks.
	require.Error(t, c.ReloadConfigString("[not, a, map"))
	assert.Equal(t, "debug", c.GetString("logging.level", ""))
	assert.Equal(t, 1, calls)
}

func TestConfig_LoadDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01-base.yaml"), []byte("soc:\n  max_clients: 16\n  pdevs: 2\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02-override.yml"), []byte("soc:\n  max_clients: 64\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("not: [yaml"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "03-more.yaml"), []byte("logging:\n  level: warning\n"), 0o600))

	c := NewC(test.NewLogger())
	require.NoError(t, c.Load(dir))
	assert.Equal(t, 64, c.GetInt("soc.max_clients", 0))
	assert.Equal(t, 2, c.GetInt("soc.pdevs", 0))
	assert.Equal(t, "warning", c.GetString("logging.level", ""))

	// Reloading picks up changes on disk.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02-override.yml"), []byte("soc:\n  max_clients: 8\n"), 0o600))
	c.ReloadConfig()
	assert.Equal(t, 8, c.GetInt("soc.max_clients", 0))
	assert.True(t, c.HasChanged("soc.max_clients"))
	assert.False(t, c.HasChanged("logging"))
}

func TestReadConfigFiles(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadConfigFiles(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	_, err = ReadConfigFiles(dir)
	require.Error(t, err, "an empty directory has no config")

	// A file named directly is read whatever its extension.
	f := filepath.Join(dir, "wlandp.conf")
	require.NoError(t, os.WriteFile(f, []byte("a: 1"), 0o600))
	docs, err := ReadConfigFiles(f)
	require.NoError(t, err)
	assert.Equal(t, []string{"a: 1"}, docs)

	_, err = ReadConfigFiles(dir)
	require.Error(t, err, "non yaml files in a directory are skipped")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("b: 2"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte("a: 1"), 0o600))
	docs, err = ReadConfigFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a: 1", "b: 2"}, docs)
}
