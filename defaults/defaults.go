// Package defaults holds the configuration keys of f2cache
// and knows how to load older config files.
package defaults

import (
	"os"

	e "github.com/pkg/errors"
	"github.com/sahib/config"
)

// CurrentVersion is the version written to new config files.
const CurrentVersion = 0

// Defaults are the keys of the current version.
var Defaults = DefaultsV0

func newMigrater() *config.Migrater {
	mgr := config.NewMigrater(CurrentVersion, config.StrictnessPanic)
	mgr.Add(0, nil, DefaultsV0)
	return mgr
}

// OpenMigratedConfig loads the yaml config at `path` and lifts it to
// CurrentVersion. Keys missing in the file get their default value.
func OpenMigratedConfig(path string) (*config.Config, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, e.Wrapf(err, "failed to open config %s", path)
	}

	defer fd.Close()

	cfg, err := newMigrater().Migrate(config.NewYamlDecoder(fd))
	if err != nil {
		return nil, e.Wrapf(err, "failed to migrate config %s", path)
	}

	return cfg, nil
}

// OpenDefaultConfig returns a config without any file behind it.
func OpenDefaultConfig() (*config.Config, error) {
	return config.Open(nil, Defaults, config.StrictnessPanic)
}

// OpenConfig is OpenMigratedConfig, or OpenDefaultConfig for an empty path.
func OpenConfig(path string) (*config.Config, error) {
	if path == "" {
		return OpenDefaultConfig()
	}

	return OpenMigratedConfig(path)
}
