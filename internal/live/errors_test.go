package live

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	cause := context.DeadlineExceeded
	err := newError(KindTimeout, 0, "no setup acknowledgement", cause)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrService)
	assert.Equal(t, "live timeout: no setup acknowledgement", err.Error())
}

func TestErrorIncludesCode(t *testing.T) {
	err := newError(KindService, 429, "", errors.New("slow down"))
	assert.Equal(t, "live service (429): slow down", err.Error())
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("connect: %w", newError(KindAuth, 401, "rejected", nil))
	assert.Equal(t, KindAuth, KindOf(wrapped))
	assert.Equal(t, KindProtocol, KindOf(fmt.Errorf("decode: %w", ErrProtocol)))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestNestedErrorsKeepOuterKind(t *testing.T) {
	inner := newError(KindTimeout, 0, "handshake", nil)
	outer := newError(KindConnectionFailed, 0, "gave up after 5 attempts", inner)
	assert.Equal(t, KindConnectionFailed, KindOf(outer))
	assert.ErrorIs(t, outer, ErrConnectionFailed)
	assert.ErrorIs(t, outer, ErrTimeout)
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "AwaitingHandshake", StateAwaitingHandshake.String())
	names := StateNames()
	assert.Len(t, names, 6)
	names[0] = "mutated"
	assert.NotEqual(t, "mutated", StateNames()[0])

	b, err := StateReconnecting.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "Reconnecting", string(b))
}
