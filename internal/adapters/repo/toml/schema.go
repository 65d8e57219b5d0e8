package toml

import "fmt"

const currentSchemaVersion = 1

type fileSchema struct {
	Version  int             `toml:"version"`
	Accounts []accountSchema `toml:"accounts"`
}

func (s *fileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSchemaVersion
	}
}

func (s fileSchema) validateVersion() error {
	if s.Version > currentSchemaVersion {
		return fmt.Errorf("unsupported accounts schema version %d (current %d)", s.Version, currentSchemaVersion)
	}

	return nil
}

type accountSchema struct {
	ID      string         `toml:"id"`
	Name    string         `toml:"name"`
	Buckets []bucketSchema `toml:"buckets,omitempty"`
}

type bucketSchema struct {
	Bucket            string `toml:"bucket"`
	ServiceAccountRef string `toml:"service_account_ref"`
}
