// Package uuid generates simulator job ids.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 ids, optionally prefixed so job ids
// are recognisable in logs.
type Generator struct {
	prefix string
}

// NewUUIDGenerator returns a Generator that prepends prefix to every id.
func NewUUIDGenerator(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns prefix followed by a UUID7 string.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.prefix + id.String(), nil
}
