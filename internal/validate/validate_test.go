package validate

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbsolutePath(t *testing.T) {
	assert.NoError(t, AbsolutePath("path", "/tmp/demo"))

	err := AbsolutePath("path", "relative/dir")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute")
	assert.True(t, IsValidation(err))

	err = AbsolutePath("path", "  ")
	require.Error(t, err)
	var ve *Error
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, RuleRequired, ve.Rule)
}

func TestName(t *testing.T) {
	for _, ok := range []string{"feature-1", "fix_bug", "ABC123"} {
		assert.NoError(t, Name("name", ok), ok)
	}
	for _, bad := range []string{"", "has space", "a/b", "dot.name", "ümlaut"} {
		err := Name("name", bad)
		require.Error(t, err, bad)
		var ve *Error
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, RuleName, ve.Rule)
	}
}

func TestIsValidation_Wrapped(t *testing.T) {
	err := fmt.Errorf("create worktree: %w", Required("title", ""))
	assert.True(t, IsValidation(err))
	assert.False(t, IsValidation(fmt.Errorf("plain")))
}
