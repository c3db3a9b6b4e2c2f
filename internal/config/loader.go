package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"fabricd/internal/common/fsutil"
)

// Load reads a .yaml/.yml, .json or .toml config file. Unknown keys are
// rejected so a misspelt option fails at startup. Defaults are not applied;
// call ApplyDefaults after merging flags.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, errors.New("config: empty path")
	}
	path, err := fsutil.ExpandPath(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := decode(strings.ToLower(filepath.Ext(path)), b, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func decode(ext string, b []byte, cfg *Config) error {
	switch ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	case ".toml":
		return toml.NewDecoder(bytes.NewReader(b)).DisallowUnknownFields().Decode(cfg)
	default:
		return fmt.Errorf("unsupported config extension %q", ext)
	}
}
