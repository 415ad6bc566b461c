package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// LoadFile applies a TOML config file on top of cfg.
// Missing files are an error when the path was given explicitly; pass
// allowMissing for the default search location.
func LoadFile(cfg *Config, path string, allowMissing bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if allowMissing && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return fmt.Errorf("parse %s:%d:%d: %s", path, row, col, derr.Error())
		}
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg.Validate()
}
