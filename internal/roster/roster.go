// Package roster loads the automated-opponent identity pool from a YAML
// document and draws identities for bot fallback pairing.
package roster

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dilemmalab/arena/internal/game/dice"
)

// Identity is one automated opponent's public persona.
type Identity struct {
	Name   string `yaml:"name"`
	Avatar string `yaml:"avatar"`
}

// Roster is the pool of bot identities.
type Roster struct {
	Identities []Identity `yaml:"identities"`
}

// Load reads and validates a roster document.
//
// Precondition: path names a readable YAML file.
// Postcondition: Returns a roster with at least one identity, or an error.
func Load(path string) (*Roster, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading roster %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a roster document from raw YAML.
func Parse(raw []byte) (*Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decoding roster: %w", err)
	}
	if len(r.Identities) == 0 {
		return nil, fmt.Errorf("roster holds no identities")
	}
	for i, id := range r.Identities {
		if id.Name == "" {
			return nil, fmt.Errorf("roster identity %d has no name", i)
		}
		if id.Avatar == "" {
			r.Identities[i].Avatar = "default"
		}
	}
	return &r, nil
}

// Default returns the built-in roster used when no file is configured.
func Default() *Roster {
	return &Roster{Identities: []Identity{
		{Name: "Alex", Avatar: "default"},
		{Name: "Sam", Avatar: "default"},
		{Name: "Robin", Avatar: "default"},
		{Name: "Charlie", Avatar: "default"},
		{Name: "Jordan", Avatar: "default"},
	}}
}

// Draw picks one identity uniformly.
//
// Precondition: src must be non-nil.
func (r *Roster) Draw(src dice.Source) Identity {
	return dice.Pick(src, r.Identities)
}
