package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	err := New(CodeValidation, "", "content too short")
	assert.Equal(t, "[VALIDATION] content too short", err.Error())

	err = NotFound("archive", 42)
	assert.Equal(t, "[NOT_FOUND] archive: memory 42 not found", err.Error())
}

func TestError_Wrap(t *testing.T) {
	inner := fmt.Errorf("disk I/O error")
	err := Wrap(CodeStorage, "save", "storage failure", inner)

	assert.Equal(t, "[STORAGE] save: storage failure: disk I/O error", err.Error())
	assert.True(t, errors.Is(err, inner))
}

func TestError_IsMatchesCode(t *testing.T) {
	a := NotFound("get", 1)
	b := NotFound("delete", 2)
	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, Conflict("decay")))
}

func TestAsCode(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", Conflict("compression"))
	assert.Equal(t, CodeConflict, AsCode(wrapped))
	assert.True(t, IsConflict(wrapped))
	assert.Equal(t, "", AsCode(fmt.Errorf("plain")))
}

func TestStorage(t *testing.T) {
	assert.Nil(t, Storage("save", nil))

	err := Storage("save", fmt.Errorf("locked"))
	assert.True(t, IsStorage(err))

	// already-coded errors pass through untouched
	nf := NotFound("get", 3)
	assert.Same(t, nf, Storage("get", nf))
}
