package compose

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Descriptor is the statically parsed shape of the service-graph
// descriptor: just enough structure to enumerate services, their images,
// and declared volumes. The compose CLI remains the authority on full
// semantics; this parse exists so the harness and validator can reason
// about the graph without starting it.
type Descriptor struct {
	Services map[string]Service `yaml:"services"`
	Volumes  map[string]any     `yaml:"volumes"`
	Networks map[string]any     `yaml:"networks"`
}

// Service is one declared service in the graph.
type Service struct {
	Image         string   `yaml:"image"`
	Build         any      `yaml:"build"`
	Ports         []string `yaml:"ports"`
	DependsOn     []string `yaml:"depends_on"`
	Restart       string   `yaml:"restart"`
	ContainerName string   `yaml:"container_name"`
}

// ParseDescriptor reads and parses the descriptor file at path.
//
// Returns an error wrapping ErrDescriptorInvalid for unreadable or
// syntactically invalid YAML, and for a descriptor with no services,
// the one structural rule the static pass enforces itself.
func ParseDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrComposeFileMissing, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrDescriptorInvalid, err)
	}

	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDescriptorInvalid, err)
	}
	if len(d.Services) == 0 {
		return nil, fmt.Errorf("%w: no services declared", ErrDescriptorInvalid)
	}
	return &d, nil
}

// ServiceNames returns the declared service names in unspecified order.
func (d *Descriptor) ServiceNames() []string {
	names := make([]string, 0, len(d.Services))
	for name := range d.Services {
		names = append(names, name)
	}
	return names
}
