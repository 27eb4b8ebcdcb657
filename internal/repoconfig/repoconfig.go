// Package repoconfig loads the optional "<root>/repo-config.yaml" sidecar:
// repeatable operator settings (delta worker count, K-deltas-per-package,
// minimum icon density, default signing key path) so operators don't have
// to repeat "-j"/"-k" on every invocation. Absent any file, every field is
// its zero value and callers fall back to their own defaults. CLI flags
// always win over the file; callers apply overrides after loading.
package repoconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the parsed contents of repo-config.yaml.
type Config struct {
	// DeltaWorkers overrides the delta generator's worker pool size
	// (spec §4.5's default is cpus+2, capped at available cores).
	DeltaWorkers int `yaml:"delta_workers,omitempty"`

	// DeltaK overrides the number of historical base versions kept as
	// deltas against a package's newest version (spec default is 5).
	DeltaK int `yaml:"delta_k,omitempty"`

	// MinIconDensity overrides the minimum density bucket accepted for
	// the launcher icon (spec default is hdpi, 240).
	MinIconDensity uint16 `yaml:"min_icon_density,omitempty"`

	// DefaultKeyPath is used when "-k" is not passed on the command line.
	DefaultKeyPath string `yaml:"default_key_path,omitempty"`
}

// Load reads "<dir>/repo-config.yaml" if present. A missing file is not an
// error: it returns a zero-value Config.
func Load(dir string) (Config, error) {
	path := dir + "/repo-config.yaml"
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
