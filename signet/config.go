package signet

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// AllowEntry restricts which d-tagged events a publisher may post.
// An empty Prefixes/Exact with Unrestricted=true means "any kind, any tag".
type AllowEntry struct {
	Unrestricted bool
	// Prefixes restrict kind 30063 (must match one as a prefix).
	Prefixes []string
	// Exact restricts kind 32267 (must match one exactly).
	Exact []string
}

// Config is the relay's static configuration, decoded from TOML. It is
// reloaded whole-sale on file change; readers always go through
// ConfigStore.Get (backed by an atomic.Pointer) so a reload never races a
// concurrent read.
type Config struct {
	Host   string `toml:"host"`
	Schema string `toml:"schema"`

	Info struct {
		Name        string `toml:"name"`
		Icon        string `toml:"icon"`
		Description string `toml:"description"`
	} `toml:"info"`

	Policy struct {
		Open bool `toml:"open"` // admit publishers absent from the allow-list as unrestricted; listed entries keep their restrictions
	} `toml:"policy"`

	Blossom struct {
		Enabled bool   `toml:"enabled"`
		Dir     string `toml:"dir"`
	} `toml:"blossom"`

	// AllowedKinds gates the filter compiler's admission check: a filter
	// must constrain `kinds` to at least one of these.
	AllowedKinds []int `toml:"allowed_kinds"`

	// Allowlist maps a publisher pubkey hex to either [] (unrestricted) or
	// an array of d-tag prefixes/exact values.
	Allowlist map[string][]string `toml:"allowlist"`

	path string
}

// ConfigStore holds the live Config behind an atomic pointer and optionally
// watches its source file for changes, reloading it on write rather than
// requiring a process restart.
type ConfigStore struct {
	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher
	mu      sync.Mutex
}

// LoadConfig decodes filename into a Config, validating required fields.
func LoadConfig(filename string) (*Config, error) {
	var config Config
	if _, err := toml.DecodeFile(filename, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	if config.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if config.Schema == "" {
		return nil, fmt.Errorf("schema is required")
	}
	if len(config.AllowedKinds) == 0 {
		return nil, fmt.Errorf("allowed_kinds is required: the filter compiler's admission gate needs at least one kind")
	}

	config.path = filename
	return &config, nil
}

// NewConfigStore loads filename and starts watching it for writes, hot
// swapping the in-memory Config on every change. Watch errors are logged,
// not fatal: the relay keeps serving the last good config.
func NewConfigStore(filename string) (*ConfigStore, error) {
	config, err := LoadConfig(filename)
	if err != nil {
		return nil, err
	}

	cs := &ConfigStore{}
	cs.current.Store(config)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("config hot-reload disabled: failed to create watcher: %v", err)
		return cs, nil
	}
	if err := watcher.Add(filename); err != nil {
		log.Printf("config hot-reload disabled: failed to watch %s: %v", filename, err)
		watcher.Close()
		return cs, nil
	}
	cs.watcher = watcher

	go cs.watchLoop(filename)

	return cs, nil
}

func (cs *ConfigStore) watchLoop(filename string) {
	for {
		select {
		case event, ok := <-cs.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				config, err := LoadConfig(filename)
				if err != nil {
					log.Printf("config reload failed, keeping previous config: %v", err)
					continue
				}
				cs.current.Store(config)
				log.Printf("reloaded config from %s", filename)
			}
		case err, ok := <-cs.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config watcher error: %v", err)
		}
	}
}

// Get returns the current Config. Safe for concurrent use.
func (cs *ConfigStore) Get() *Config { return cs.current.Load() }

// Close stops the underlying file watcher, if any.
func (cs *ConfigStore) Close() {
	if cs.watcher != nil {
		cs.watcher.Close()
	}
}

// AllowedKindSet returns the configured admission-gate kinds as a set.
func (c *Config) AllowedKindSet() map[Kind]struct{} {
	set := make(map[Kind]struct{}, len(c.AllowedKinds))
	for _, k := range c.AllowedKinds {
		set[Kind(k)] = struct{}{}
	}
	return set
}

// AllowListFor returns the effective allow-list for validating a single
// publisher: identical to AllowList() unless policy.open is set, in which
// case a pubkey absent from the TOML table is treated as unrestricted
// rather than rejected: the relay's "open" policy admits any authenticated
// publisher.
func (c *Config) AllowListFor(pub PubKey) AllowList {
	allowed := c.AllowList()
	if c.Policy.Open {
		if _, ok := allowed[pub]; !ok {
			allowed[pub] = AllowEntry{Unrestricted: true}
		}
	}
	return allowed
}

// AllowList builds the publisher allow-list from the TOML table.
func (c *Config) AllowList() map[PubKey]AllowEntry {
	out := make(map[PubKey]AllowEntry, len(c.Allowlist))
	for hex, values := range c.Allowlist {
		pk, err := PubKeyFromHex(hex)
		if err != nil {
			log.Printf("ignoring malformed allowlist pubkey %q: %v", hex, err)
			continue
		}
		if len(values) == 0 {
			out[pk] = AllowEntry{Unrestricted: true}
			continue
		}
		entry := AllowEntry{}
		for _, v := range values {
			entry.Prefixes = append(entry.Prefixes, v)
			entry.Exact = append(entry.Exact, v)
		}
		out[pk] = entry
	}
	return out
}

// HasPrefix reports whether d begins with one of entry's allowed values.
func (e AllowEntry) HasPrefix(d string) bool {
	for _, p := range e.Prefixes {
		if strings.HasPrefix(d, p) {
			return true
		}
	}
	return false
}

// HasExact reports whether d exactly equals one of entry's allowed values.
func (e AllowEntry) HasExact(d string) bool {
	for _, v := range e.Exact {
		if d == v {
			return true
		}
	}
	return false
}
