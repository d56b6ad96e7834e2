package agent

import (
	_ "embed"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/alva-duet/internal/domain"
)

//go:embed personas.yaml
var defaultPersonas []byte

// Persona is one conversational identity and its fixed prompt.
type Persona struct {
	Name         domain.Speaker `yaml:"name"`
	Instruction  string         `yaml:"instruction"`
	Provider     string         `yaml:"provider,omitempty"`
	Model        string         `yaml:"model,omitempty"`
	Openers      []string       `yaml:"openers,omitempty"`
	DummyReplies []string       `yaml:"dummy_replies,omitempty"`
}

// Cast is the pair of personas taking part in a duet.
type Cast struct {
	Starter  domain.Speaker `yaml:"starter"`
	Opener   domain.Speaker `yaml:"opener"`
	Personas []Persona      `yaml:"personas"`
}

// LoadCast reads persona definitions from path, or the embedded defaults when path is empty.
func LoadCast(path string) (*Cast, error) {
	data := defaultPersonas
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read personas file: %w", err)
		}
		data = b
	}
	return ParseCast(data)
}

// ParseCast decodes and validates a YAML persona document.
func ParseCast(data []byte) (*Cast, error) {
	var c Cast
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse personas: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that the cast is exactly ALVA and Bob with non-empty instructions.
func (c *Cast) Validate() error {
	if len(c.Personas) != 2 {
		return fmt.Errorf("personas: expected 2 personas, got %d", len(c.Personas))
	}
	seen := make(map[domain.Speaker]bool, 2)
	for _, p := range c.Personas {
		if !p.Name.IsPersona() {
			return fmt.Errorf("personas: unknown persona %q", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("personas: duplicate persona %q", p.Name)
		}
		if p.Instruction == "" {
			return fmt.Errorf("personas: %s has no instruction", p.Name)
		}
		seen[p.Name] = true
	}
	if c.Starter == "" {
		c.Starter = domain.SpeakerALVA
	}
	if !seen[c.Starter] {
		return fmt.Errorf("personas: starter %q is not in the cast", c.Starter)
	}
	if c.Opener != "" {
		op, _ := c.Persona(c.Opener)
		if op == nil {
			return fmt.Errorf("personas: opener %q is not in the cast", c.Opener)
		}
		if len(op.Openers) == 0 {
			return errors.New("personas: opener persona has no opening lines")
		}
		if c.Opener == c.Starter {
			return fmt.Errorf("personas: opener and starter are both %q", c.Opener)
		}
	}
	return nil
}

// Persona returns the named persona.
func (c *Cast) Persona(name domain.Speaker) (*Persona, bool) {
	for i := range c.Personas {
		if c.Personas[i].Name == name {
			return &c.Personas[i], true
		}
	}
	return nil, false
}

// OpeningLine picks one of the opener persona's canned lines. ok is false when the cast has no opener.
func (c *Cast) OpeningLine() (speaker domain.Speaker, text string, ok bool) {
	op, found := c.Persona(c.Opener)
	if !found || len(op.Openers) == 0 {
		return "", "", false
	}
	return op.Name, op.Openers[rand.IntN(len(op.Openers))], true
}
