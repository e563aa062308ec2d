package errtax

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultRecoveryTable(t *testing.T) {
	cases := []struct {
		kind Kind
		want Recovery
	}{
		{TransportFailure, Retryable},
		{WorkerRejectedBundle, Retryable},
		{WorkerExecutionError, NonRetryable},
		{MergeWriteError, Retryable},
		{ResultTooBig, UserError},
		{Cancelled, NonRetryable},
		{Timeout, Retryable},
		{ConfigError, NonRetryable},
		{InvalidProtocol, NonRetryable},
		{AuthError, NonRetryable},
		{Internal, NonRetryable},
		{Kind("SOMETHING_NEW"), NonRetryable},
	}
	for _, c := range cases {
		require.Equal(t, c.want, DefaultRecovery(c.kind), "kind %s", c.kind)
	}
}

func TestWithRecoveryOverridesDefault(t *testing.T) {
	e := New(WorkerRejectedBundle, "worker said no")
	require.True(t, e.Retryable())

	e = e.WithRecovery(NonRetryable)
	require.False(t, e.Retryable())
}

func TestErrorStringAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	e := Wrap(TransportFailure, cause, "POST /queryjob")
	require.Contains(t, e.Error(), "TRANSPORT_FAILURE")
	require.Contains(t, e.Error(), "connection refused")
	require.Equal(t, cause, e.Unwrap())
}

func TestAsExtractsThroughWrapping(t *testing.T) {
	inner := New(ResultTooBig, "too big").WithCode("result_cap")
	wrapped := fmt.Errorf("merge: %w", inner)

	e := As(wrapped)
	require.Equal(t, ResultTooBig, e.Kind)
	require.Equal(t, "result_cap", e.Code)
}

func TestAsDefaultsUnclassifiedToInternal(t *testing.T) {
	e := As(fmt.Errorf("something went sideways"))
	require.Equal(t, Internal, e.Kind)
	require.False(t, e.Retryable())

	require.Nil(t, As(nil))
}
