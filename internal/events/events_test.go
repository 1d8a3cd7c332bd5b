package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusride/internal/modules/ride"
	"campusride/internal/testutil"
)

type captureWriter struct {
	msgs []kafka.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestKafkaSink_KeysByRide(t *testing.T) {
	w := &captureWriter{}
	sink := &KafkaSink{writer: w, timeout: time.Second}
	at := time.UnixMilli(1709281800000)

	require.NoError(t, sink.Append(context.Background(), ride.Event{
		RideID: "r1", From: ride.StatusScheduled, To: ride.StatusEnRoute, ActorID: "d1", CreatedAt: at,
	}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "r1", string(w.msgs[0].Key))

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "scheduled", got["from"])
	assert.Equal(t, "en_route", got["to"])
	assert.Equal(t, "d1", got["actorId"])
	assert.EqualValues(t, 1709281800000, got["at"])
}

func TestPostgresSink_History(t *testing.T) {
	db := testutil.Postgres(t, "ride_state_events")
	sink := NewPostgres(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, sink.Append(ctx, ride.Event{RideID: "r1", From: ride.StatusNone, To: ride.StatusPending, ActorID: "p1", CreatedAt: now}))
	require.NoError(t, sink.Append(ctx, ride.Event{RideID: "r1", From: ride.StatusPending, To: ride.StatusScheduled, CreatedAt: now}))
	require.NoError(t, sink.Append(ctx, ride.Event{RideID: "r2", From: ride.StatusNone, To: ride.StatusPending, CreatedAt: now}))

	hist, err := sink.History(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, ride.StatusPending, hist[0].To)
	assert.Equal(t, ride.StatusScheduled, hist[1].To)
	assert.Empty(t, hist[1].ActorID)
}
