package connection

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/koustreak/querygate/internal/errs"
	"go.yaml.in/yaml/v3"
)

// SeedFile declares connections to upsert at start-up:
//
//	connections:
//	  - name: analytics
//	    url: postgresql://reader:${PG_PASSWORD}@db:5432/analytics
//	  - name: local
//	    url: sqlite:///var/data/local.db
//
// ${VAR} references in URLs are expanded from the environment.
type SeedFile struct {
	Connections []SeedEntry `yaml:"connections"`
}

type SeedEntry struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// LoadSeed reads and validates a seed file. Unknown keys are rejected.
func LoadSeed(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, fmt.Sprintf("read connections file %s", path), err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a seed document.
func ParseSeed(data []byte) (*SeedFile, error) {
	var seed SeedFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "parse connections file", err)
	}

	seen := make(map[string]bool, len(seed.Connections))
	for i := range seed.Connections {
		e := &seed.Connections[i]
		e.URL = os.ExpandEnv(e.URL)
		if err := ValidateName(e.Name); err != nil {
			return nil, err
		}
		if seen[e.Name] {
			return nil, errs.Newf(errs.KindValidation, "connection %q is declared twice", e.Name)
		}
		seen[e.Name] = true
	}
	return &seed, nil
}

// ApplySeed upserts every entry in order and stops at the first failure.
func (s *Service) ApplySeed(ctx context.Context, seed *SeedFile) (int, error) {
	for i, e := range seed.Connections {
		if _, _, err := s.Upsert(ctx, e.Name, e.URL); err != nil {
			return i, fmt.Errorf("seed connection %q: %w", e.Name, err)
		}
	}
	return len(seed.Connections), nil
}
