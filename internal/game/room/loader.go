package room

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlRoomsFile is the top-level YAML structure for room files.
type yamlRoomsFile struct {
	Rooms []yamlRoom `yaml:"rooms"`
}

// yamlRoom is the YAML representation of a room.
type yamlRoom struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	MaxCapacity int    `yaml:"max_capacity"`
}

// LoadFromFile reads room definitions from a YAML file.
//
// Precondition: path must point to a readable YAML file.
// Postcondition: Returns validated definitions or a non-nil error.
func LoadFromFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rooms file %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses and validates room definitions from YAML bytes.
//
// Postcondition: Returns validated definitions or a non-nil error.
func LoadFromBytes(data []byte) ([]Definition, error) {
	var file yamlRoomsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing rooms YAML: %w", err)
	}

	defs := make([]Definition, 0, len(file.Rooms))
	for _, yr := range file.Rooms {
		d := Definition{ID: yr.ID, Name: yr.Name, MaxCapacity: yr.MaxCapacity}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("validating rooms: %w", err)
		}
		defs = append(defs, d)
	}
	return defs, nil
}
