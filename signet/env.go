package signet

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

var (
	env     map[string]string
	envOnce sync.Once
)

// Env reads an environment variable, lazily snapshotting os.Environ() on
// first use and filling in relay-wide defaults.
func Env(k string, fallback ...string) (v string) {
	envOnce.Do(func() {
		env = make(map[string]string)

		env["PORT"] = "3334"
		env["BLOSSOM_DIR"] = "./blobs"
		env["CONFIG"] = "./signet.toml"

		for _, item := range os.Environ() {
			parts := strings.SplitN(item, "=", 2)
			if len(parts) == 2 {
				env[parts[0]] = parts[1]
			}
		}
	})

	v = env[k]

	if v == "" && len(fallback) > 0 {
		v = fallback[0]
	}

	return v
}

func envInt(key string, fallback int) int {
	if v := Env(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
