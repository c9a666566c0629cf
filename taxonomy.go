package satdet

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Class is one entry of a Taxonomy.
type Class struct {
	SourceID int    // The xView type id.
	Name     string // The display name, also written to data.yaml.
}

// Taxonomy is the ordered list of detection classes. The position of a class is its YOLO class
// index.
type Taxonomy []Class

// DefaultTaxonomy returns the nine xView classes the detector is trained on.
func DefaultTaxonomy() Taxonomy {
	return Taxonomy{
		{11, "Fixed-Wing Aircraft"},
		{12, "Small Vehicle"},
		{13, "Large Vehicle"},
		{15, "Truck"},
		{21, "Passenger Vehicle"},
		{37, "Ship"},
		{52, "Building"},
		{57, "Helipad"},
		{58, "Storage Tank"},
	}
}

// Len returns the number of classes.
func (t Taxonomy) Len() int { return len(t) }

// Names returns the class names in index order.
func (t Taxonomy) Names() []string {
	names := make([]string, len(t))
	for i, c := range t {
		names[i] = c.Name
	}
	return names
}

// Index returns the class index for the xView type id.
func (t Taxonomy) Index(sourceID int) (int, bool) {
	for i, c := range t {
		if c.SourceID == sourceID {
			return i, true
		}
	}
	return -1, false
}

// Validate checks that the taxonomy is non-empty and has no duplicate ids or names.
func (t Taxonomy) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("the taxonomy has no classes")
	}
	ids := make(map[int]bool, len(t))
	names := make(map[string]bool, len(t))
	for _, c := range t {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("class %d has an empty name", c.SourceID)
		}
		if ids[c.SourceID] {
			return fmt.Errorf("duplicate class id %d", c.SourceID)
		}
		if names[c.Name] {
			return fmt.Errorf("duplicate class name %q", c.Name)
		}
		ids[c.SourceID] = true
		names[c.Name] = true
	}
	return nil
}

// classesFile is the layout of a classes YAML file. Both sections map xView type ids to names.
type classesFile struct {
	Classes           map[int]string `yaml:"classes"`
	SimplifiedClasses map[int]string `yaml:"simplified_classes"`
}

// LoadTaxonomy reads a classes YAML file. The simplified_classes section is used when present,
// otherwise the classes section. Classes are ordered by xView id.
func LoadTaxonomy(path string) (Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read classes file %q: %w", path, err)
	}

	var f classesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("cannot parse classes file %q: %w", path, err)
	}

	m := f.SimplifiedClasses
	if len(m) == 0 {
		m = f.Classes
	}

	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	t := make(Taxonomy, len(ids))
	for i, id := range ids {
		t[i] = Class{SourceID: id, Name: m[id]}
	}

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid classes file %q: %w", path, err)
	}
	return t, nil
}
