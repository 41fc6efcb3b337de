package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/bundlestore/internal/nodeid"
)

// Config holds everything the engine needs to open a store, loaded
// from a YAML file.
type Config struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	Schema             string `yaml:"schema"`
	SchemaObjectPrefix string `yaml:"schemaObjectPrefix"`

	MinBlobSize      int    `yaml:"minBlobSize"`
	ExternalBLOBs    bool   `yaml:"externalBLOBs"`
	ConsistencyCheck bool   `yaml:"consistencyCheck"`
	ConsistencyFix   bool   `yaml:"consistencyFix"`
	ErrorHandling    string `yaml:"errorHandling"`

	// BundleCacheSize is accepted for forward compatibility with the
	// recognized option set but is not consumed here: the bundle
	// cache is a layer above this engine.
	BundleCacheSize int `yaml:"bundleCacheSize"`

	// StorageModel selects the NodeId column shape: "binary-keys"
	// (default) or "split-long". Every store needs one at construction
	// time and it cannot be inferred from the other fields.
	StorageModel string `yaml:"storageModel"`

	// WorkspaceDir holds the name-index files (internal/nameindex) and,
	// when ExternalBLOBs is true, the FS-resident blob tree
	// (internal/blobstore.FSStore). Defaults to the current directory.
	WorkspaceDir string `yaml:"workspaceDir"`
}

// DefaultConfig returns a Config with sensible defaults for any field
// a loaded YAML file leaves out.
func DefaultConfig() Config {
	return Config{
		Driver:       "sqlite",
		Schema:       "default",
		MinBlobSize:  4096,
		StorageModel: "binary-keys",
		WorkspaceDir: ".",
	}
}

// LoadConfig reads and parses a YAML config file at path, filling in
// defaults for anything the file omits.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine: read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("engine: parse config %s: %w", path, err)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("engine: config %s: dsn is required", path)
	}
	return &cfg, nil
}

// storageModel resolves the configured StorageModel string, defaulting
// to binary-keys for an empty or unrecognized value.
func (c Config) storageModel() nodeid.StorageModel {
	if c.StorageModel == "split-long" {
		return nodeid.SplitLong
	}
	return nodeid.BinaryKeys
}
