package fake_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/publora/publora/errs"
	"github.com/publora/publora/internal/app/publisher"
	"github.com/publora/publora/internal/app/publisher/fake"
	"github.com/publora/publora/internal/domain/schema"
)

func TestFakePublisherAcknowledges(t *testing.T) {
	clock := time.Date(2026, time.April, 1, 12, 0, 0, 0, time.UTC)
	pub := fake.New(fake.Options{
		Destination: "twitter",
		Clock:       func() time.Time { return clock },
	})

	receipt, err := pub.Publish(context.Background(), schema.PublishJob{ID: "job-1", Destination: "twitter"})
	require.NoError(t, err)
	require.NotEmpty(t, receipt.ExternalID)
	require.Contains(t, receipt.URL, "twitter.example")
	require.Equal(t, clock, receipt.PublishedAt)

	require.EqualValues(t, 1, pub.Calls())
	require.Len(t, pub.Published(), 1)
}

func TestFakePublisherScriptedFailure(t *testing.T) {
	pub := fake.New(fake.Options{Destination: "tiktok", FailEvery: 2})

	_, err := pub.Publish(context.Background(), schema.PublishJob{ID: "job-1"})
	require.NoError(t, err)

	_, err = pub.Publish(context.Background(), schema.PublishJob{ID: "job-2"})
	require.Error(t, err)
	var envelope *errs.E
	require.True(t, errors.As(err, &envelope))
	require.Equal(t, errs.CodeRateLimited, envelope.Code)

	require.Len(t, pub.Published(), 1)
}

func TestFakePublisherHonoursContext(t *testing.T) {
	pub := fake.New(fake.Options{Destination: "bluesky", Latency: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pub.Publish(ctx, schema.PublishJob{ID: "job-1"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRegisterAll(t *testing.T) {
	reg := publisher.NewRegistry()
	require.NoError(t, fake.RegisterAll(reg, []string{"twitter", "bluesky"}, fake.Options{}))
	require.Equal(t, []string{"bluesky", "twitter"}, reg.Destinations())

	pub, err := reg.Lookup("twitter")
	require.NoError(t, err)
	require.NotNil(t, pub)
}
