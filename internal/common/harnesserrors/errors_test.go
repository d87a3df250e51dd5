package harnesserrors

import (
	"io"
	"net/url"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrInvalidArgumentMessage(t *testing.T) {
	err := &ErrInvalidArgument{Name: "rate", Value: -1}
	assert.Contains(t, err.Error(), "rate")

	err = &ErrInvalidArgument{Name: "rate", Value: -1, Message: "rate must be positive"}
	assert.Contains(t, err.Error(), "rate must be positive")
}

func TestErrFatalSetupUnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := errors.WithStack(&ErrFatalSetup{
		URL:     "conserver /config",
		Message: "could not snapshot remote configuration",
		Cause:   cause,
	})

	var fatal *ErrFatalSetup
	assert.ErrorAs(t, err, &fatal)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "conserver /config")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsNetworkError(t *testing.T) {
	assert.True(t, IsNetworkError(&url.Error{Op: "Get", URL: "http://x", Err: io.EOF}))
	assert.False(t, IsNetworkError(errors.New("conserver responded with status 500")))
}
