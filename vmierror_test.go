package vmi

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("reading: %w", newError(CodeOutOfBounds, "read_physical", 0x1000, 8))

	assert.True(t, errors.Is(err, ErrOutOfBounds))
	assert.False(t, errors.Is(err, ErrTranslationFault))

	var vmiErr *Error
	if assert.True(t, errors.As(err, &vmiErr)) {
		assert.Equal(t, ClassIntrospection, vmiErr.Class())
		assert.Equal(t, uint64(0x1000), vmiErr.Addr)
	}
}

func TestErrorClasses(t *testing.T) {
	tests := []struct {
		err   *Error
		class ErrorClass
	}{
		{ErrUnsupportedExit, ClassTranslation},
		{ErrRingFull, ClassChannel},
		{ErrUnknownEvent, ClassProtocol},
		{ErrTimeout, ClassTimeout},
		{ErrClientDetached, ClassTimeout},
		{ErrBackend, ClassIntrospection},
		{ErrBadMagic, ClassSetup},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.class, tt.err.Class(), tt.err.Error())
	}
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("device busy")
	err := &Error{Code: CodeBackend, Op: "read_physical", Addr: 0x2000, Len: 16, Err: cause}

	msg := err.Error()
	assert.Contains(t, msg, "BACKEND")
	assert.Contains(t, msg, "read_physical 0x2000+16")
	assert.True(t, strings.HasSuffix(msg, ": device busy"), msg)
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, "vmi: response timeout (await)", (&Error{Code: CodeTimeout, Op: "await", message: "vmi: response timeout"}).Error())
}

func TestErrorSanitized(t *testing.T) {
	t.Setenv("VMI_ENV", "production")
	assert.Equal(t, "vmi: translation fault", (&Error{Code: CodeTranslationFault}).Error())
	assert.Equal(t, "vmi: error", (&Error{Code: 0x0999}).Error())

	t.Setenv("VMI_ENV", "")
	t.Setenv("VMI_DEBUG", "false")
	assert.Equal(t, "vmi: ring full", (&Error{Code: CodeRingFull}).Error())
}
