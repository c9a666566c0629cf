package errors

import (
	stderrors "errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder(t *testing.T) {
	err := New(os.ErrNotExist).
		Component("trainer").
		Category(CategoryFileIO).
		Context("path", "data.yaml").
		Build()

	var ee *EnhancedError
	require.True(t, As(err, &ee))
	assert.Equal(t, "trainer", ee.Component)
	assert.Equal(t, CategoryFileIO, ee.Category)
	assert.Equal(t, "data.yaml", ee.Context["path"])
	assert.True(t, Is(err, os.ErrNotExist))
	assert.Equal(t, os.ErrNotExist.Error(), err.Error())
	assert.Equal(t, "file does not exist [component=trainer path=data.yaml]", ee.Detailed())
}

func TestIsMatchesCategory(t *testing.T) {
	err := Newf("nc is %d", 3).Category(CategoryConfiguration).Build()
	assert.True(t, stderrors.Is(err, &EnhancedError{Category: CategoryConfiguration}))
	assert.False(t, stderrors.Is(err, &EnhancedError{Category: CategoryValidation}))
}

func TestBuildInheritsFromWrapped(t *testing.T) {
	inner := New(stderrors.New("exit status 1")).
		Component("trainer").
		Category(CategoryCommandExecution).
		Context("exit_code", 1).
		Build()
	outer := New(fmt.Errorf("training failed: %w", inner)).Context("run", "xview").Build()

	var ee *EnhancedError
	require.True(t, As(outer, &ee))
	assert.Equal(t, "trainer", ee.Component)
	assert.Equal(t, CategoryCommandExecution, ee.Category)
	assert.Equal(t, map[string]any{"exit_code": 1, "run": "xview"}, ee.Context)
	assert.Equal(t, "training failed: exit status 1", outer.Error())
}

func TestIsCategory(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New(stderrors.New("boom")).Category(CategoryInference).Build())
	assert.True(t, IsCategory(err, CategoryInference))
	assert.False(t, IsCategory(err, CategoryModelLoad))
	assert.False(t, IsCategory(stderrors.New("plain"), CategoryGeneric))
	assert.False(t, IsCategory(nil, CategoryGeneric))
}
