package provider

import "gopkg.in/yaml.v3"

// Model is one catalog entry the canvas can attach to a prompt node.
type Model struct {
	// Model identifier (set during YAML unmarshaling)
	ID string `yaml:"-" json:"id"`

	DisplayName string `yaml:"display_name" json:"displayName"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	SupportsThinking bool `yaml:"supports_thinking" json:"supportsThinking"`
	SupportsVision   bool `yaml:"supports_vision" json:"supportsVision"`

	ContextWindow int `yaml:"context_window" json:"contextWindow"`
	MaxOutput     int `yaml:"max_output" json:"maxOutput"`

	// Default marks the model preselected for new prompt nodes.
	Default bool `yaml:"default" json:"default"`
}

// Provider is one provider's model list, ordered as authored.
type Provider struct {
	Name   string  `yaml:"provider" json:"provider"`
	Models []Model `yaml:"-" json:"models"`
}

// UnmarshalYAML keeps the authored model order instead of the map order a
// plain decode would give.
func (p *Provider) UnmarshalYAML(node *yaml.Node) error {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "provider" {
			p.Name = node.Content[i+1].Value
			break
		}
	}

	type modelsOnly struct {
		Models map[string]Model `yaml:"models"`
	}
	var m modelsOnly
	if err := node.Decode(&m); err != nil {
		return err
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value != "models" {
			continue
		}
		modelsNode := node.Content[i+1]
		// modelsNode.Content alternates: key, value, key, value...
		for j := 0; j+1 < len(modelsNode.Content); j += 2 {
			id := modelsNode.Content[j].Value
			if model, ok := m.Models[id]; ok {
				model.ID = id
				p.Models = append(p.Models, model)
			}
		}
		break
	}
	return nil
}
