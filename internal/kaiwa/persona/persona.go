// Package persona loads and validates the versioned YAML documents that seed
// a Kaiwa agent: the immutable base instructions plus model and delivery
// preferences. Validation runs against an embedded JSON schema so a malformed
// document is rejected before an agent is created from it.
package persona

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// SpecVersion is the API version string required in every persona document.
const SpecVersion = "kaiwa/v1"

//go:embed schema.json
var schemaJSON []byte

var schema = jsonschema.MustCompileString("persona/schema.json", string(schemaJSON))

// Doc is a parsed persona document.
type Doc struct {
	// APIVersion must be "kaiwa/v1".
	APIVersion string `yaml:"apiVersion"`

	// Metadata holds descriptive metadata.
	Metadata Metadata `yaml:"metadata"`

	// Seed is the agent's base instructions. Immutable after agent creation;
	// accumulated memory entries extend it but never rewrite it.
	Seed string `yaml:"seed"`

	// Model holds optional model preferences.
	Model Model `yaml:"model,omitempty"`

	// Delivery holds optional reply-delivery preferences.
	Delivery Delivery `yaml:"delivery,omitempty"`
}

// Metadata identifies the persona.
type Metadata struct {
	// Name is the agent's display name.
	Name string `yaml:"name"`

	// Owner is the user the agent belongs to.
	Owner string `yaml:"owner,omitempty"`

	// Description is a human-readable summary of the persona.
	Description string `yaml:"description,omitempty"`
}

// Model holds LLM preferences. Zero values defer to server defaults.
type Model struct {
	// Name is the chat model to use (e.g. "gpt-4o-mini").
	Name string `yaml:"name,omitempty"`

	// Temperature controls output randomness. Valid range 0.0 to 2.0.
	Temperature float64 `yaml:"temperature,omitempty"`
}

// Delivery holds reply-delivery preferences.
type Delivery struct {
	// MaxDelaySeconds caps per-fragment delivery delays. Zero defers to the
	// server default of 10 seconds.
	MaxDelaySeconds int `yaml:"maxDelaySeconds,omitempty"`
}

// Parse decodes a persona YAML document and validates it against the embedded
// schema. It is the canonical entry point for loading personas.
func Parse(data []byte) (*Doc, error) {
	// Decode once into a generic value for schema validation, then again into
	// the typed struct. yaml.v3 produces map[string]interface{} for mappings,
	// which is what the schema validator expects.
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("persona parse: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("persona validate: %w", err)
	}

	var doc Doc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("persona parse: %w", err)
	}
	if strings.TrimSpace(doc.Seed) == "" {
		return nil, fmt.Errorf("persona validate: seed must not be blank")
	}
	return &doc, nil
}
