package errs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class ErrorClass
		code  int
	}{
		{"invalid", Invalid("Connect", CodeInvalidParameter, ErrInvalidParameter), ClassInvalid, -1},
		{"transport", Transport("Connect", CodeTimeout, context.DeadlineExceeded), ClassTransport, -6},
		{"protocol", Protocol("Connect", errors.New("short")), ClassProtocol, CodeMalformedResponse},
		{"server negative", Server("Connect", -1003), ClassServer, -1003},
		{"server positive", Server("Connect", 7), ClassServer, CodeServerFailure},
		{"server status in local range", Server("Connect", CodeInvalidHandle), ClassServer, CodeServerFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, ok := ClassOf(tt.err)
			assert.True(t, ok)
			assert.Equal(t, tt.class, class)
			assert.Equal(t, tt.code, Code(tt.err))
			assert.Less(t, Code(tt.err), 0)
		})
	}
}

func TestServerStatus(t *testing.T) {
	err := Server("Disconnect", -3)
	assert.NotEqual(t, CodeInvalidHandle, Code(err), "server status must not read as a local code")
	assert.NotErrorIs(t, err, ErrInvalidHandle)
	assert.ErrorIs(t, err, ErrServerFailure)
	status, ok := ServerStatus(err)
	assert.True(t, ok)
	assert.Equal(t, int32(-3), status)

	status, ok = ServerStatus(Server("Connect", -1003))
	assert.True(t, ok)
	assert.Equal(t, int32(-1003), status)

	_, ok = ServerStatus(Invalid("Connect", CodeInvalidHandle, ErrInvalidHandle))
	assert.False(t, ok)
}

func TestSentinelsSurviveWrapping(t *testing.T) {
	err := Invalid("SendGetReport", CodeInvalidHandle, ErrInvalidHandle)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransport(err))
	assert.Equal(t, "SendGetReport: invalid callback handle", err.Error())

	err = Protocol("Disconnect", errors.New("payload too short"))
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.True(t, IsProtocol(err))

	wrapped := Wrap(Transport("x", CodeSendFailed, errors.New("broken pipe")), "Conn", "Send", "write")
	assert.True(t, IsTransport(wrapped))
	assert.Equal(t, CodeSendFailed, Code(wrapped))
}

func TestNilAndUnclassified(t *testing.T) {
	assert.Equal(t, 0, Code(nil))
	assert.Nil(t, Invalid("x", CodeInvalidParameter, nil))
	assert.Nil(t, Wrap(nil, "a", "b", "c"))
	assert.Equal(t, CodeSendFailed, Code(errors.New("plain")))
	_, ok := ClassOf(errors.New("plain"))
	assert.False(t, ok)
	assert.Equal(t, "protocol", ClassProtocol.String())
}
