package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsKeepsTaggedErrorsThroughWrapping(t *testing.T) {
	base := Conflict("status_changed", "task status was changed by someone else")
	wrapped := fmt.Errorf("update: %w", base)

	got := As(wrapped)
	require.NotNil(t, got)
	assert.Same(t, base, got)
	assert.Equal(t, KindConflict, KindOf(wrapped))
}

func TestAsWrapsUntaggedAsInternal(t *testing.T) {
	cause := errors.New("disk full")
	got := As(cause)
	require.NotNil(t, got)
	assert.Equal(t, KindInternal, got.Kind)
	assert.Equal(t, "internal_error", got.Code)
	assert.ErrorIs(t, got, cause)

	assert.Nil(t, As(nil))
	assert.Equal(t, KindInternal, KindOf(cause))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "forbidden", KindForbidden.String())
	assert.Equal(t, "invalid_input", KindInvalidInput.String())
}
