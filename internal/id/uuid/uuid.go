// Package uuid generates the run and job identifiers attached to log lines.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// MustID returns a UUIDv7 string, falling back to a random v4 if the clock
// based generator fails.
func (g Generator) MustID() string {
	if id, err := g.NewID(); err == nil {
		return id
	}
	return uuid.NewString()
}
