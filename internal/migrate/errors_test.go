package migrate

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/idmigrate/internal/ndjson"
)

func TestError_Message(t *testing.T) {
	err := NewReconciliationError("auth0|1", "create failed", ErrNoMatch)
	assert.Equal(t, "RECONCILIATION_FAILED: create failed: no remote user matches email (subject=auth0|1)", err.Error())

	err = NewResourceError("open staging store", nil)
	assert.Equal(t, "RESOURCE_ERROR: open staging store", err.Error())
}

func TestError_Classification(t *testing.T) {
	rec := fmt.Errorf("wrapped: %w", NewReconciliationError("auth0|1", "x", ErrAmbiguousMatch))
	res := fmt.Errorf("wrapped: %w", NewResourceError("x", errors.New("disk")))
	parse := fmt.Errorf("wrapped: %w", &ndjson.ParseError{Line: 1, Err: errors.New("bad")})

	assert.True(t, IsReconciliationFailure(rec))
	assert.False(t, IsResourceError(rec))
	assert.ErrorIs(t, rec, ErrAmbiguousMatch)

	assert.True(t, IsResourceError(res))
	assert.False(t, IsReconciliationFailure(res))

	assert.True(t, IsParseError(parse))
	assert.False(t, IsParseError(res))
	assert.False(t, IsReconciliationFailure(nil))
}
