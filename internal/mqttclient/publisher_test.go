package mqttclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/membership/pkg/gossip"
)

type published struct {
	topic   string
	payload []byte
	qos     byte
}

type fakeBroker struct {
	mu   sync.Mutex
	msgs []published
	fail bool
}

func (f *fakeBroker) Publish(topic string, payload []byte, qos byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("not connected")
	}
	f.msgs = append(f.msgs, published{topic: topic, payload: payload, qos: qos})
	return nil
}

func (f *fakeBroker) Messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

var reporter = gossip.Id{Host: "127.0.0.1", Port: 7000}

func TestPublisherSendsJSONEvents(t *testing.T) {
	broker := &fakeBroker{}
	p := NewPublisher(broker, reporter, "run-1", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	at := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	p.Enqueue(gossip.Event{ID: gossip.Id{Host: "127.0.0.1", Port: 7001}, Status: gossip.StatusSuspected, At: at})

	require.Eventually(t, func() bool { return len(broker.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	msg := broker.Messages()[0]
	assert.Equal(t, "membership/127.0.0.1:7000/events", msg.topic)
	assert.Zero(t, msg.qos)
	var got EventPayload
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.Equal(t, EventPayload{
		Member:   "127.0.0.1:7001",
		Status:   "SUSPECTED",
		At:       at,
		Reporter: "127.0.0.1:7000",
		RunID:    "run-1",
	}, got)
}

func TestPublisherDropsWhenFull(t *testing.T) {
	p := NewPublisher(&fakeBroker{}, reporter, "run-1", nil)
	for range publishQueueSize + 5 {
		p.Enqueue(gossip.Event{ID: reporter, Status: gossip.StatusActive})
	}
	assert.Equal(t, uint64(5), p.Dropped())
}

func TestPublisherFlushesOnStop(t *testing.T) {
	broker := &fakeBroker{}
	p := NewPublisher(broker, reporter, "run-1", nil)
	for range 3 {
		p.Enqueue(gossip.Event{ID: reporter, Status: gossip.StatusFailed})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p.Run(ctx)

	assert.Len(t, broker.Messages(), 3)
}

func TestPublisherSurvivesBrokerErrors(t *testing.T) {
	broker := &fakeBroker{fail: true}
	p := NewPublisher(broker, reporter, "run-1", nil)
	p.Enqueue(gossip.Event{ID: reporter, Status: gossip.StatusActive})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p.Run(ctx)

	assert.Empty(t, broker.Messages())
}
