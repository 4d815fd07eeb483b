package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/publora/publora/errs"
	"github.com/publora/publora/internal/domain/schema"
)

func TestClassifyNil(t *testing.T) {
	c := Classify(nil, "twitter")
	require.Equal(t, schema.ErrorKindNone, c.Kind)
	require.False(t, c.Retryable)
}

func TestClassifyRateLimitedHonoursRetryAfter(t *testing.T) {
	err := errs.RateLimited("twitter", errs.ReasonQuotaExceeded, 45*time.Second)
	c := Classify(err, "twitter")
	require.Equal(t, schema.ErrorKindRateLimited, c.Kind)
	require.True(t, c.Retryable)
	require.Equal(t, 45*time.Second, c.Backoff)
}

func TestClassifyHTTP429AsRateLimited(t *testing.T) {
	err := errs.New("pinterest", errs.CodeConflict, errs.WithHTTP(429), errs.WithRetryAfter(time.Minute))
	c := Classify(err, "pinterest")
	require.Equal(t, schema.ErrorKindRateLimited, c.Kind)
	require.Equal(t, time.Minute, c.Backoff)
}

func TestClassifyAuthAsTokenExpired(t *testing.T) {
	err := errs.New("linkedin", errs.CodeAuth, errs.WithMessage("access token expired"))
	c := Classify(err, "linkedin")
	require.Equal(t, schema.ErrorKindTokenExpired, c.Kind)
	require.True(t, c.Retryable, "parked jobs re-enter the queue after the refresh delay")
	require.True(t, c.RefreshToken)
	require.Equal(t, "access token expired", c.Reason)
}

func TestClassifyRejectedContentIsTerminal(t *testing.T) {
	err := errs.New("tiktok", errs.CodeRejected, errs.WithMessage("video exceeds duration limit"))
	c := Classify(err, "tiktok")
	require.Equal(t, schema.ErrorKindContentRejected, c.Kind)
	require.False(t, c.Retryable)
	require.Equal(t, "video exceeds duration limit", c.Reason)
}

func TestClassifyServerErrorDefaultsToTransient(t *testing.T) {
	err := errs.New("facebook", errs.CodeConflict, errs.WithHTTP(503))
	c := Classify(err, "facebook")
	require.Equal(t, schema.ErrorKindTransientNetwork, c.Kind)
	require.True(t, c.Retryable)
}

func TestClassifyTimeoutAsTransient(t *testing.T) {
	c := Classify(context.DeadlineExceeded, "youtube")
	require.Equal(t, schema.ErrorKindTransientNetwork, c.Kind)
	require.True(t, c.Retryable)

	c = Classify(fmt.Errorf("publish: %w", context.DeadlineExceeded), "youtube")
	require.Equal(t, schema.ErrorKindTransientNetwork, c.Kind)
}

func TestClassifyNetOpErrorAsTransient(t *testing.T) {
	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	c := Classify(opErr, "bluesky")
	require.Equal(t, schema.ErrorKindTransientNetwork, c.Kind)
	require.True(t, c.Retryable)
}

func TestClassifyUnrecognizedDegradesToUnknown(t *testing.T) {
	c := Classify(errors.New("inscrutable destination response"), "threads")
	require.Equal(t, schema.ErrorKindUnknown, c.Kind)
	require.True(t, c.Retryable)
	require.Equal(t, "inscrutable destination response", c.Reason)
}
