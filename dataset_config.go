package satdet

// The dataset config (data.yaml) consumed by the YOLO trainer.

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DatasetConfig is the trainer's dataset description. Subset paths are relative to Path.
type DatasetConfig struct {
	Path  string     `yaml:"path"`
	Train string     `yaml:"train"`
	Val   string     `yaml:"val"`
	Test  string     `yaml:"test,omitempty"`
	NC    int        `yaml:"nc"`
	Names ClassNames `yaml:"names"`
}

// ClassNames is the ordered class name list. It is decoded from either a YAML sequence or an
// index-keyed mapping.
type ClassNames []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (n *ClassNames) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}
		*n = names
		return nil
	case yaml.MappingNode:
		var m map[int]string
		if err := node.Decode(&m); err != nil {
			return err
		}
		idx := make([]int, 0, len(m))
		for i := range m {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		names := make([]string, len(idx))
		for i, k := range idx {
			if k != i {
				return fmt.Errorf("class names are not indexed contiguously from 0, missing %d", i)
			}
			names[i] = m[k]
		}
		*n = names
		return nil
	}
	return fmt.Errorf("line %d: names must be a list or a mapping", node.Line)
}

// NewDatasetConfig returns the config for a split dataset rooted at root.
func NewDatasetConfig(root string, taxonomy Taxonomy) (DatasetConfig, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return DatasetConfig{}, err
	}
	return DatasetConfig{
		Path:  abs,
		Train: filepath.Join("images", string(Train)),
		Val:   filepath.Join("images", string(Val)),
		Test:  filepath.Join("images", string(Test)),
		NC:    taxonomy.Len(),
		Names: taxonomy.Names(),
	}, nil
}

// Validate checks the consistency of the config. A class count that does not match the number of
// class names is an error.
func (c DatasetConfig) Validate() error {
	if c.NC <= 0 {
		return fmt.Errorf("nc must be > 0, got %d", c.NC)
	}
	if c.NC != len(c.Names) {
		return fmt.Errorf("nc is %d but %d class names are listed", c.NC, len(c.Names))
	}
	for i, name := range c.Names {
		if name == "" {
			return fmt.Errorf("class %d has an empty name", i)
		}
	}
	if c.Train == "" || c.Val == "" {
		return fmt.Errorf("the train and val paths are required")
	}
	return nil
}

// SubsetDir returns the absolute image directory of a subset, or "" if the subset is not
// configured.
func (c DatasetConfig) SubsetDir(s Subset) string {
	var p string
	switch s {
	case Train:
		p = c.Train
	case Val:
		p = c.Val
	case Test:
		p = c.Test
	}
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Path, p)
}

// WriteDatasetConfig validates c and writes it as YAML to path.
func WriteDatasetConfig(path string, c DatasetConfig) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid dataset config: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode the dataset config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the directory of %q: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write the dataset config %q: %w", path, err)
	}
	return nil
}

// LoadDatasetConfig reads and validates the dataset config at path. A relative Path is resolved
// against the directory of the file.
func LoadDatasetConfig(path string) (DatasetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DatasetConfig{}, fmt.Errorf("cannot read dataset config %q: %w", path, err)
	}

	var c DatasetConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return DatasetConfig{}, fmt.Errorf("cannot parse dataset config %q: %w", path, err)
	}
	if c.Path == "" || !filepath.IsAbs(c.Path) {
		c.Path = filepath.Join(filepath.Dir(path), c.Path)
	}
	if err := c.Validate(); err != nil {
		return DatasetConfig{}, fmt.Errorf("invalid dataset config %q: %w", path, err)
	}
	return c, nil
}

// String renders the class list as "0:name, 1:name, ...".
func (n ClassNames) String() string {
	s := ""
	for i, name := range n {
		if i > 0 {
			s += ", "
		}
		s += strconv.Itoa(i) + ":" + name
	}
	return s
}
