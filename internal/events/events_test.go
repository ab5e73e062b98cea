package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/imagejobs/shared/logger"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishReachesHandlers(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	var got []Event
	remove := bus.Handle(func(ctx context.Context, evt Event) {
		got = append(got, evt)
	})

	require.NoError(t, bus.Publish(ctx, Event{Type: TypeJobCompleted, JobID: "j1"}))
	require.NoError(t, bus.Publish(ctx, Event{Type: TypeJobFailed, JobID: "j2"}))

	remove()
	require.NoError(t, bus.Publish(ctx, Event{Type: TypeJobFailed, JobID: "j3"}))

	require.Len(t, got, 2)
	assert.Equal(t, "j1", got[0].JobID)
	assert.Equal(t, TypeJobFailed, got[1].Type)
}

func TestBus_SubscribeStopsWithContext(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	count := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Subscribe(ctx, func(ctx context.Context, evt Event) {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}()

	assert.Eventually(t, func() bool {
		_ = bus.Publish(context.Background(), Event{Type: TypeJobCompleted, JobID: "j1"})
		mu.Lock()
		defer mu.Unlock()
		return count > 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscribe did not return after cancel")
	}
}

type fakeAcknowledger struct {
	acked  []uint64
	nacked []uint64
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = append(f.nacked, tag)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func TestRabbitSubscriber_Dispatch(t *testing.T) {
	s := NewRabbitSubscriber(nil, "api", logger.NewDiscard())
	ack := &fakeAcknowledger{}

	body, err := json.Marshal(Event{Type: TypeJobCompleted, JobID: "j1", OutputPath: "results/j1_output.jpg"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		body    []byte
		tag     uint64
		handled bool
	}{
		{name: "valid event", body: body, tag: 1, handled: true},
		{name: "malformed json", body: []byte("{not json"), tag: 2},
		{name: "missing job id", body: []byte(`{"type":"job.failed"}`), tag: 3},
	}

	var handled []Event
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(handled)
			s.dispatch(context.Background(), amqp.Delivery{
				Acknowledger: ack,
				DeliveryTag:  tt.tag,
				Body:         tt.body,
			}, func(ctx context.Context, evt Event) {
				handled = append(handled, evt)
			})
			assert.Equal(t, tt.handled, len(handled) > before)
		})
	}

	require.Len(t, handled, 1)
	assert.Equal(t, "results/j1_output.jpg", handled[0].OutputPath)
	assert.Equal(t, []uint64{1}, ack.acked)
	assert.Equal(t, []uint64{2, 3}, ack.nacked)
}
