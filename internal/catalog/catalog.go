// Package catalog holds the static list of purchasable nickname prefixes.
package catalog

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnknownPrefix is returned when a prefix id is not in the catalog.
var ErrUnknownPrefix = errors.New("catalog: unknown prefix")

const (
	minPrice = 60
	maxPrice = 12000
)

var labels = []string{
	"Ghost", "Cipher", "Kernel", "Neon", "Vector", "Quantum", "Specter", "Glitch",
	"Nova", "Forge", "Pulse", "Drift", "Nexus", "Arc", "Vortex", "Blaze", "Rift",
	"Apex", "Orbit", "Cobalt", "Icarus", "Obsidian", "Signal", "Atlas", "Helix",
	"Tempest", "Aether", "Chronos", "Eclipse", "Zenith",
}

// Prefix is one catalog entry.
type Prefix struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Price int64  `json:"price"`
}

// Catalog is an immutable ordered prefix list.
type Catalog struct {
	items []Prefix
	byID  map[string]Prefix
}

// New builds a catalog from items, preserving their order.
func New(items []Prefix) *Catalog {
	c := &Catalog{
		items: make([]Prefix, len(items)),
		byID:  make(map[string]Prefix, len(items)),
	}
	copy(c.items, items)
	for _, p := range items {
		c.byID[p.ID] = p
	}
	return c
}

// Default returns the standard 30-entry catalog, priced linearly from 60 to
// 12000 and rounded to the nearest integer.
func Default() *Catalog {
	items := make([]Prefix, len(labels))
	steps := float64(len(labels) - 1)
	for i, label := range labels {
		price := math.Round(minPrice + float64(i)*(maxPrice-minPrice)/steps)
		items[i] = Prefix{
			ID:    fmt.Sprintf("p%d", i+1),
			Label: label,
			Price: int64(price),
		}
	}
	return New(items)
}

// List returns a copy of the catalog in display order.
func (c *Catalog) List() []Prefix {
	out := make([]Prefix, len(c.items))
	copy(out, c.items)
	return out
}

// Lookup returns the entry for id or ErrUnknownPrefix.
func (c *Catalog) Lookup(id string) (Prefix, error) {
	p, ok := c.byID[id]
	if !ok {
		return Prefix{}, fmt.Errorf("%w: %q", ErrUnknownPrefix, id)
	}
	return p, nil
}

// Label returns the display label for id, or "" for an empty or unknown id.
func (c *Catalog) Label(id string) string {
	return c.byID[id].Label
}
