// Package config loads the YAML-backed options table that sizes the cache
// (pageSize, memoryLimit, dirtyLimitMode, ...), the way tinySQL's migrate
// tool decodes its own YAML config with gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/objectmount/fusecache/internal/filedata"
)

// FileEntry statically maps a root-level mount name to a remote object ID.
// A full directory/metadata sync protocol with the remote is outside this
// core's scope; a configured file list is the practical stand-in for
// populating the mount's namespace.
type FileEntry struct {
	Name string `yaml:"name"`
	ID   string `yaml:"id"`
}

// Config is the on-disk shape of a fusecache mount's configuration file.
type Config struct {
	Remote struct {
		BaseURL string        `yaml:"baseURL"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"remote"`

	Cache struct {
		PageSize             int           `yaml:"pageSize"`
		MemoryLimit          string        `yaml:"memoryLimit"`
		MemoryMarginFraction uint64        `yaml:"memoryMarginFraction"`
		DirtyLimitMode       string        `yaml:"dirtyLimitMode"`
		FixedDirtyLimit      string        `yaml:"fixedDirtyLimit"`
		AdaptiveTargetStall  time.Duration `yaml:"adaptiveTargetStall"`
		ReadAheadPages       int           `yaml:"readAheadPages"`
		Mode                 string        `yaml:"mode"` // cacheMode: "normal", "memory", or "none" (spec.md §6)
	} `yaml:"cache"`

	Mount struct {
		Path     string      `yaml:"path"`
		ReadOnly bool        `yaml:"readOnly"`
		Files    []FileEntry `yaml:"files"`
	} `yaml:"mount"`

	Metrics struct {
		ListenAddr string `yaml:"listenAddr"`
	} `yaml:"metrics"`
}

// Default returns a Config populated with spec.md §6's defaults, mount path
// and remote URL left for the caller (or flags) to fill in.
func Default() *Config {
	c := &Config{}
	c.Cache.PageSize = 64 * 1024
	c.Cache.MemoryLimit = "512MiB"
	c.Cache.MemoryMarginFraction = 16
	c.Cache.DirtyLimitMode = "adaptive"
	c.Cache.AdaptiveTargetStall = 2 * time.Second
	c.Cache.ReadAheadPages = 4
	c.Cache.Mode = "normal"
	c.Remote.Timeout = 30 * time.Second
	c.Metrics.ListenAddr = ":9090"
	return c
}

// Load reads and decodes a YAML config file, filling unset fields from
// Default().
func Load(path string) (*Config, error) {
	c := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return c, nil
}

// CacheConfig translates the decoded YAML into filedata.Config, parsing the
// human-readable byte-size strings (e.g. "512MiB") with go-humanize.
func (c *Config) CacheConfig() (filedata.Config, error) {
	memLimit, err := humanize.ParseBytes(c.Cache.MemoryLimit)
	if err != nil {
		return filedata.Config{}, fmt.Errorf("config: memoryLimit: %w", err)
	}
	var fixedDirty uint64
	if c.Cache.FixedDirtyLimit != "" {
		fixedDirty, err = humanize.ParseBytes(c.Cache.FixedDirtyLimit)
		if err != nil {
			return filedata.Config{}, fmt.Errorf("config: fixedDirtyLimit: %w", err)
		}
	}
	return filedata.Config{
		PageSize:             c.Cache.PageSize,
		MemoryLimit:          memLimit,
		MemoryMarginFraction: c.Cache.MemoryMarginFraction,
		DirtyLimitMode:       c.Cache.DirtyLimitMode,
		FixedDirtyLimit:      fixedDirty,
		AdaptiveTargetStall:  c.Cache.AdaptiveTargetStall,
		ReadAheadPages:       c.Cache.ReadAheadPages,
		CacheMode:            c.Cache.Mode,
	}, nil
}
