package satdet

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTaxonomy(t *testing.T) {
	tax := DefaultTaxonomy()
	require.NoError(t, tax.Validate())
	assert.Equal(t, 9, tax.Len())

	idx, ok := tax.Index(13)
	assert.True(t, ok)
	assert.Equal(t, 2, idx)

	// Shipping Container is not part of the nine trained classes.
	_, ok = tax.Index(59)
	assert.False(t, ok)
}

func TestLoadTaxonomy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xview_classes.yaml")
	writeFile(t, path, `
classes:
  11: Fixed-wing Aircraft
  12: Small Aircraft
  13: Cargo Plane
simplified_classes:
  37: Ship
  11: Aircraft
`)

	tax, err := LoadTaxonomy(path)
	require.NoError(t, err)
	assert.Equal(t, Taxonomy{{11, "Aircraft"}, {37, "Ship"}}, tax)

	writeFile(t, path, "classes:\n  13: Cargo Plane\n  11: Fixed-wing Aircraft\n")
	tax, err = LoadTaxonomy(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Fixed-wing Aircraft", "Cargo Plane"}, tax.Names())

	writeFile(t, path, "classes:\n  13: Plane\n  11: Plane\n")
	_, err = LoadTaxonomy(path)
	assert.ErrorContains(t, err, "duplicate class name")

	writeFile(t, path, "other: 1\n")
	_, err = LoadTaxonomy(path)
	assert.ErrorContains(t, err, "no classes")
}
