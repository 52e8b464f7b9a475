package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

type C struct {
	path        string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads path, a file or a directory of yaml files, and merges every
// document found in lexical order. Later documents win, lists are appended.
func (c *C) Load(path string) error {
	docs, err := ReadConfigFiles(path)
	if err != nil {
		return err
	}

	m, err := merge(docs)
	if err != nil {
		return err
	}

	c.path = path
	c.Settings = m
	return nil
}

// LoadString loads one or more yaml documents the way Load would.
func (c *C) LoadString(raw ...string) error {
	if len(raw) == 0 || (len(raw) == 1 && strings.TrimSpace(raw[0]) == "") {
		return errors.New("empty configuration")
	}

	m, err := merge(raw)
	if err != nil {
		return err
	}
	c.Settings = m
	return nil
}

func merge(docs []string) (map[string]any, error) {
	m := make(map[string]any)
	for i, doc := range docs {
		var nm map[string]any
		if err := yaml.Unmarshal([]byte(doc), &nm); err != nil {
			return nil, fmt.Errorf("config document %d: %w", i, err)
		}
		if nm == nil {
			continue
		}

		if err := mergo.Merge(&nm, m, mergo.WithAppendSlice); err != nil {
			return nil, fmt.Errorf("config document %d: %w", i, err)
		}
		m = nm
	}
	return m, nil
}

// RegisterReloadCallback stores a function to be called after a successful
// reload. Callbacks should use HasChanged to decide whether to act and must
// return quickly.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad returns true until the first reload.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged reports whether k differs between the settings before and
// after the last reload by comparing their yaml encoding. An empty k
// compares everything.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var nv, ov any
	if k == "" {
		nv, ov = c.Settings, c.oldSettings
		k = "all settings"
	} else {
		nv, ov = c.get(k, c.Settings), c.get(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}
	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}

	return string(newVals) != string(oldVals)
}

// CatchHUP reloads the config from the path given to Load every time the
// process receives SIGHUP, until ctx is done.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

func (c *C) ReloadConfig() {
	_ = c.reload(func() error { return c.Load(c.path) })
}

func (c *C) ReloadConfigString(raw ...string) error {
	return c.reload(func() error { return c.LoadString(raw...) })
}

func (c *C) reload(load func() error) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	prev := make(map[string]any, len(c.Settings))
	for k, v := range c.Settings {
		prev[k] = v
	}

	if err := load(); err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
		return err
	}
	c.oldSettings = prev

	for _, cb := range c.callbacks {
		cb(c)
	}
	return nil
}

// GetString will get the string for k or return the default d if not found or invalid
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}
	return fmt.Sprintf("%v", r)
}

// GetStringSlice will get the slice of strings for k or return the default d if not found or invalid
func (c *C) GetStringSlice(k string, d []string) []string {
	rv, ok := c.Get(k).([]any)
	if !ok {
		return d
	}

	v := make([]string, len(rv))
	for i := range rv {
		v[i] = fmt.Sprintf("%v", rv[i])
	}
	return v
}

// GetMap will get the map for k or return the default d if not found or invalid
func (c *C) GetMap(k string, d map[string]any) map[string]any {
	v, ok := c.Get(k).(map[string]any)
	if !ok {
		return d
	}
	return v
}

// GetMapSlice returns the list of maps at k. Entries that are not maps make
// the whole value invalid and d is returned instead.
func (c *C) GetMapSlice(k string, d []map[string]any) []map[string]any {
	rv, ok := c.Get(k).([]any)
	if !ok {
		return d
	}

	v := make([]map[string]any, len(rv))
	for i, e := range rv {
		m, ok := e.(map[string]any)
		if !ok {
			return d
		}
		v[i] = m
	}
	return v
}

// GetInt will get the int for k or return the default d if not found or invalid
func (c *C) GetInt(k string, d int) int {
	r := c.GetString(k, strconv.Itoa(d))
	v, err := strconv.Atoi(r)
	if err != nil {
		return d
	}
	return v
}

// GetUint32 will get the uint32 for k or return the default d if not found or
// invalid. Hex, octal and binary literals are accepted.
func (c *C) GetUint32(k string, d uint32) uint32 {
	v, ok := AsUint32(c.Get(k))
	if !ok {
		return d
	}
	return v
}

// AsUint32 converts a yaml scalar to a uint32, accepting integers as well
// as strings like "0x1f" or "0b101".
func AsUint32(v any) (uint32, bool) {
	switch x := v.(type) {
	case int:
		if x < 0 || uint64(x) > math.MaxUint32 {
			return 0, false
		}
		return uint32(x), true
	case uint64:
		if x > math.MaxUint32 {
			return 0, false
		}
		return uint32(x), true
	case string:
		n, err := strconv.ParseUint(strings.ReplaceAll(strings.TrimSpace(x), "_", ""), 0, 32)
		if err != nil {
			return 0, false
		}
		return uint32(n), true
	}
	return 0, false
}

// GetBool will get the bool for k or return the default d if not found or invalid
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, fmt.Sprintf("%v", d)))
	v, err := strconv.ParseBool(r)
	if err != nil {
		switch r {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		return d
	}
	return v
}

// GetDuration will get the duration for k or return the default d if not found or invalid
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(c.GetString(k, ""))
	if err != nil {
		return d
	}
	return v
}

var byteSuffixes = map[string]int{
	"":    1,
	"b":   1,
	"k":   1 << 10,
	"kb":  1 << 10,
	"kib": 1 << 10,
	"m":   1 << 20,
	"mb":  1 << 20,
	"mib": 1 << 20,
	"g":   1 << 30,
	"gb":  1 << 30,
	"gib": 1 << 30,
}

// GetByteSize returns the size at k, given either as a number of bytes or
// with a binary unit like 128KiB or 2M, or d if not found or invalid.
func (c *C) GetByteSize(k string, d int) int {
	r := c.Get(k)
	if r == nil {
		return d
	}
	if n, ok := r.(int); ok {
		return n
	}

	s := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", r)))
	i := strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	if i == 0 {
		return d
	}
	num, unit := s, ""
	if i > 0 {
		num, unit = s[:i], strings.TrimSpace(s[i:])
	}

	mult, ok := byteSuffixes[unit]
	if !ok {
		return d
	}
	n, err := strconv.Atoi(num)
	if err != nil || n > math.MaxInt/mult {
		return d
	}
	return n * mult
}

func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

func (c *C) IsSet(k string) bool {
	return c.get(k, c.Settings) != nil
}

func (c *C) get(k string, v any) any {
	for _, p := range strings.Split(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v, ok = m[p]
		if !ok {
			return nil
		}
	}
	return v
}
