package progression

import (
	"fmt"
	"os"

	"github.com/MegaGrindStone/convsync/internal/models"
	"gopkg.in/yaml.v3"
)

// Script is the fixed, ordered timeline of scripted messages driven by the Machine.
type Script []models.Message

type scriptFile struct {
	Messages []models.Message `yaml:"messages"`
}

// LoadScript reads a script file. The file is YAML (JSON being a subset of it) holding either a
// top-level list of messages or a mapping with a "messages" list.
func LoadScript(path string) (Script, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return ParseScript(raw)
}

// ParseScript decodes and validates a script.
func ParseScript(raw []byte) (Script, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}

	var msgs []models.Message
	if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
		if err := node.Decode(&msgs); err != nil {
			return nil, fmt.Errorf("failed to decode script messages: %w", err)
		}
	} else {
		var f scriptFile
		if err := node.Decode(&f); err != nil {
			return nil, fmt.Errorf("failed to decode script: %w", err)
		}
		msgs = f.Messages
	}

	s := Script(msgs)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks that every scripted message has a unique ID and a known role.
func (s Script) Validate() error {
	seen := make(map[string]int, len(s))
	for i, msg := range s {
		if msg.ID == "" {
			return fmt.Errorf("script message %d has no id", i)
		}
		if prev, ok := seen[msg.ID]; ok {
			return fmt.Errorf("script message %d reuses id %q of message %d", i, msg.ID, prev)
		}
		seen[msg.ID] = i
		if !msg.Role.Valid() {
			return fmt.Errorf("script message %q has unknown role %q", msg.ID, msg.Role)
		}
	}
	return nil
}
