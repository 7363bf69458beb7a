// Package config reads facund's configuration file.
//
// Unlike most of this codebase's peers, the file is a flat
// "key = value" properties file, not TOML - the wire format facund
// itself was configured with from the start, and one this package
// keeps rather than replacing with something more structured than the
// two settings it actually holds call for.
package config

import (
	"fmt"
	"os"

	"github.com/magiconair/properties"
)

// Config is the fully-resolved daemon configuration: which
// freebsd-update base directories to watch, and the password clients
// must authenticate with before they may call anything but
// "authenticate".
type Config struct {
	// BaseDirs is the space-separated list of base directories from
	// the "base_dirs" key, unparsed; internal/watcher.New splits it.
	BaseDirs string

	// Password is the pre-shared secret from the "password" key. An
	// empty string means the daemon runs without authentication.
	Password string
}

// Load reads and parses the properties file at path. A missing file is
// tolerated and treated the same as an empty one; base_dirs being
// required then does the actual rejecting.
func Load(path string) (Config, error) {
	props, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: load %s: %w", path, err)
		}
		props = properties.NewProperties()
	}

	baseDirs := props.GetString("base_dirs", "")
	if baseDirs == "" {
		return Config{}, fmt.Errorf("config: %s: base_dirs is required", path)
	}

	return Config{
		BaseDirs: baseDirs,
		Password: props.GetString("password", ""),
	}, nil
}
