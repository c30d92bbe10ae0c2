package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeAndStatusExtraction(t *testing.T) {
	var err error = New(CodeRateLimitExceeded, "throttled after %d attempts", 3)
	require.Equal(t, CodeRateLimitExceeded, Code(err))
	require.Equal(t, http.StatusTooManyRequests, Status(err))

	// Codes survive wrapping with fmt.Errorf.
	err = fmt.Errorf("calling marketplace: %w", err)
	require.Equal(t, CodeRateLimitExceeded, Code(err))
	require.Equal(t, http.StatusTooManyRequests, Status(err))

	require.Equal(t, "INTERNAL_ERROR", Code(errors.New("plain")))
	require.Equal(t, http.StatusInternalServerError, Status(errors.New("plain")))
}

func TestWrapPreservesCause(t *testing.T) {
	var cause = errors.New("connection refused")
	var err = Wrap(cause, CodeMarketplaceAPI, "exporting products")

	require.ErrorIs(t, err, cause)
	require.True(t, Is(err, CodeMarketplaceAPI))
	require.False(t, Is(err, CodeRateLimitExceeded))
}

func TestContextAttachment(t *testing.T) {
	var err = New(CodeInsufficientQuantity, "only 1 unit left").
		With("available", 1).
		With("requested", 3)

	require.Equal(t, 1, err.Context["available"])
	require.Equal(t, 3, err.Context["requested"])
	require.Equal(t, http.StatusConflict, Status(err))
}
