package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// defsFile is the shape of a component definitions YAML file:
//
//	components:
//	  - name: User
//	    fields:
//	      - {name: email, kind: string}
//	      - {name: age, kind: int, default: 0}
type defsFile struct {
	Components []ComponentDef `yaml:"components"`
}

// LoadFile registers every component definition found in the YAML file at
// path. Registration errors abort at the first offending definition.
func (r *Registry) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading component definitions: %w", err)
	}
	var file defsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parsing component definitions %s: %w", path, err)
	}
	for _, def := range file.Components {
		if err := r.Register(def); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}
