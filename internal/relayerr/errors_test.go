package relayerr_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openhub-relay/relay/internal/relayerr"
)

func TestHTTPStatusByKind(t *testing.T) {
	t.Parallel()
	cases := []struct {
		kind relayerr.Kind
		want int
	}{
		{relayerr.KindTransientUpstream, http.StatusBadGateway},
		{relayerr.KindAuthoritativeRefusal, http.StatusForbidden},
		{relayerr.KindResourceExhausted, http.StatusServiceUnavailable},
		{relayerr.KindFatalSession, http.StatusBadGateway},
		{relayerr.KindProtocolViolation, http.StatusBadGateway},
		{relayerr.KindUnknown, http.StatusInternalServerError},
	}
	for _, c := range cases {
		err := relayerr.New(c.kind, "op", errors.New("cause"))
		assert.Equal(t, c.want, relayerr.HTTPStatus(err))
	}
}

func TestHTTPStatusUnclassifiedError(t *testing.T) {
	t.Parallel()
	assert.Equal(t, http.StatusInternalServerError, relayerr.HTTPStatus(errors.New("plain")))
}

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("boom")
	err := relayerr.New(relayerr.KindFatalSession, "session: enqueue", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "session: enqueue: boom", err.Error())
}

func TestErrorWithoutCause(t *testing.T) {
	t.Parallel()
	err := relayerr.New(relayerr.KindProtocolViolation, "session: malformed frame", nil)
	assert.Equal(t, "session: malformed frame", err.Error())
}
