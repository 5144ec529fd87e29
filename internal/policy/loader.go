package policy

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the policy file at path, layers it over Defaults, validates it,
// and verifies that declared working-directory roots live on local
// filesystems. The returned policy is immutable for the run.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a policy document from YAML bytes over the defaults.
func Parse(data []byte) (*Policy, error) {
	p := Defaults()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("parse policy yaml: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	for _, root := range p.AllowWorkdirRoots {
		if err := validateWorkdirRoot(root); err != nil {
			return nil, fmt.Errorf("workdir root %q: %w", root, err)
		}
	}

	return p, nil
}
