package errors

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkedErrorsMatchSentinels(t *testing.T) {
	err := NewError("no mapping for plan").
		WithHint("create a plan mapping for this title").
		Mark(ErrMappingNotFound)

	assert.True(t, IsMappingNotFound(err))
	assert.False(t, IsNotFound(err))
	assert.Equal(t, ErrCodeMappingNotFound, Code(err))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatusFromErr(err))
	assert.Contains(t, Hint(err), "create a plan mapping")
}

func TestUnmarkedErrorDefaults(t *testing.T) {
	err := NewError("boom").Error()

	assert.Equal(t, "internal_error", Code(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusFromErr(err))
}

func TestWrappedMarkSurvives(t *testing.T) {
	inner := NewError("charge timed out").Mark(ErrProviderTimeout)
	err := WithError(inner).WithMessage("renewal").Error()

	assert.True(t, Is(err, ErrProviderTimeout))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatusFromErr(err))
}
