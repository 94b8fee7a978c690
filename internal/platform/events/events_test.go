package events

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent(t Type) Event {
	q := 4
	return Event{
		ID:            uuid.New(),
		Type:          t,
		AppointmentID: uuid.New(),
		BookingCode:   "260301-ABCDEF",
		DoctorID:      uuid.New(),
		PatientID:     uuid.New(),
		VisitDate:     "2026-03-01",
		Status:        "checked_in",
		QueueNumber:   &q,
		OccurredAt:    time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestFanout_ContinuesPastFailures(t *testing.T) {
	first := &Recorder{}
	last := &Recorder{}
	failing := PublisherFunc(func(context.Context, Event) error { return errors.New("broker down") })

	f := NewFanout(zerolog.Nop(), first, failing, nil, last)
	ev := sampleEvent(AppointmentCheckedIn)

	require.NoError(t, f.Publish(context.Background(), ev))
	assert.Len(t, first.Events(), 1)
	require.Len(t, last.Events(), 1)
	if diff := cmp.Diff(ev, last.Events()[0]); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	r.Publish(context.Background(), sampleEvent(AppointmentBooked))
	r.Publish(context.Background(), sampleEvent(AppointmentCancelled))

	assert.Equal(t, []Type{AppointmentBooked, AppointmentCancelled}, r.Types())
	r.Reset()
	assert.Empty(t, r.Events())
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop.Publish(context.Background(), sampleEvent(AppointmentBooked)))
}

// Runs against a real broker when AMQP_TEST_URL is set.
func TestAMQPPublisher_Broker(t *testing.T) {
	url := os.Getenv("AMQP_TEST_URL")
	if url == "" {
		t.Skip("AMQP_TEST_URL not set")
	}
	exchange := "opd.events.test"

	pub, err := NewAMQPPublisher(url, exchange, zerolog.Nop())
	require.NoError(t, err)
	defer pub.Close()

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(q.Name, "appointment.*", exchange, false, nil))
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev := sampleEvent(AppointmentCalled)
	require.NoError(t, pub.Publish(ctx, ev))

	select {
	case d := <-deliveries:
		assert.Equal(t, string(AppointmentCalled), d.RoutingKey)
		assert.Equal(t, ev.ID.String(), d.MessageId)
		assert.Equal(t, "application/json", d.ContentType)
	case <-ctx.Done():
		t.Fatal("no delivery received")
	}
}
