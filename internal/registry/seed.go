package registry

import (
	"embed"

	"gopkg.in/yaml.v3"

	apperr "github.com/agentplane/agentplane/internal/common/errors"
)

//go:embed seed.yaml
var seedFS embed.FS

// seedCatalog is the structure of the embedded seed.yaml file.
type seedCatalog struct {
	Version string       `yaml:"version"`
	Types   []*AgentType `yaml:"types"`
}

// DefaultTypes returns the built-in agent type catalog.
func DefaultTypes() ([]*AgentType, error) {
	data, err := seedFS.ReadFile("seed.yaml")
	if err != nil {
		return nil, apperr.Internal("read seed catalog", err)
	}

	var catalog seedCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, apperr.Internal("parse seed catalog", err)
	}
	return catalog.Types, nil
}

// LoadDefaults registers the built-in agent type catalog. Types already
// registered under the same id are left untouched.
func (r *Registry) LoadDefaults() error {
	types, err := DefaultTypes()
	if err != nil {
		return err
	}

	for _, t := range types {
		if err := r.RegisterType(t); err != nil {
			if apperr.KindOf(err) == apperr.KindValidation {
				continue
			}
			return err
		}
	}
	return nil
}
