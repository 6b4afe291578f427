// Package character provides the read-only character catalog that maps a
// lobby selection index to the descriptor used to spawn a gameplay actor.
package character

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Descriptor describes a spawnable character.
type Descriptor struct {
	// Index is the catalog slot this descriptor occupies.
	Index int `json:"index"`
	// ID is the stable character identifier.
	ID string `json:"id"`
	// Name is the human-readable character name.
	Name string `json:"name,omitempty"`
	// Prefab names the gameplay entity template. An empty Prefab marks a
	// descriptor that cannot be instantiated.
	Prefab string `json:"prefab,omitempty"`
}

// Spawnable reports whether the descriptor can be instantiated as a gameplay entity.
func (d *Descriptor) Spawnable() bool {
	return d != nil && d.Prefab != ""
}

// Catalog is a fixed-size, index-addressed table of descriptors. Slots may be empty.
type Catalog struct {
	slots []*Descriptor
}

// NewCatalog returns a catalog with size slots populated from descs.
//
// Precondition: size must be >= 1.
// Postcondition: Returns an error if any descriptor index is outside [0, size) or duplicated.
func NewCatalog(size int, descs []*Descriptor) (*Catalog, error) {
	if size < 1 {
		return nil, fmt.Errorf("character: catalog size must be >= 1, got %d", size)
	}
	slots := make([]*Descriptor, size)
	for _, d := range descs {
		if d == nil {
			continue
		}
		if d.Index < 0 || d.Index >= size {
			return nil, fmt.Errorf("character: descriptor %q index %d outside [0, %d)", d.ID, d.Index, size)
		}
		if slots[d.Index] != nil {
			return nil, fmt.Errorf("character: index %d assigned to both %q and %q", d.Index, slots[d.Index].ID, d.ID)
		}
		slots[d.Index] = d
	}
	return &Catalog{slots: slots}, nil
}

// Placeholder returns a catalog of size generated descriptors, used when no
// catalog file is configured.
func Placeholder(size int) (*Catalog, error) {
	descs := make([]*Descriptor, 0, size)
	for i := 0; i < size; i++ {
		descs = append(descs, &Descriptor{
			Index:  i,
			ID:     fmt.Sprintf("character-%02d", i),
			Name:   fmt.Sprintf("Character %d", i),
			Prefab: fmt.Sprintf("prefabs/character-%02d", i),
		})
	}
	return NewCatalog(size, descs)
}

// Size returns the number of slots; valid selection indices are [0, Size()).
func (c *Catalog) Size() int {
	return len(c.slots)
}

// Get returns the descriptor at index.
//
// Postcondition: ok is false for an out-of-range index or an empty slot.
func (c *Catalog) Get(index int) (*Descriptor, bool) {
	if index < 0 || index >= len(c.slots) {
		return nil, false
	}
	d := c.slots[index]
	return d, d != nil
}

type yamlCatalogFile struct {
	Size       int             `yaml:"size"`
	Characters []yamlCharacter `yaml:"characters"`
}

type yamlCharacter struct {
	Index  int    `yaml:"index"`
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Prefab string `yaml:"prefab"`
}

// LoadFromFile reads a YAML catalog file.
//
// Precondition: path must point to a valid YAML catalog file.
// Postcondition: Returns a validated Catalog or a non-nil error.
func LoadFromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses a YAML catalog. When size is omitted it is one past the
// highest character index.
func LoadFromBytes(data []byte) (*Catalog, error) {
	var file yamlCatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing catalog YAML: %w", err)
	}

	size := file.Size
	descs := make([]*Descriptor, 0, len(file.Characters))
	for _, c := range file.Characters {
		if c.ID == "" {
			return nil, fmt.Errorf("character at index %d has no id", c.Index)
		}
		if file.Size == 0 && c.Index+1 > size {
			size = c.Index + 1
		}
		descs = append(descs, &Descriptor{Index: c.Index, ID: c.ID, Name: c.Name, Prefab: c.Prefab})
	}
	return NewCatalog(size, descs)
}
