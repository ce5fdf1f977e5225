package mqttclient

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/membership/pkg/gossip"
)

const publishQueueSize = 1024

// Publishing is the part of Client a Publisher needs.
type Publishing interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// EventPayload is the JSON body of one published membership change.
type EventPayload struct {
	Member   string    `json:"member"`
	Status   string    `json:"status"`
	At       time.Time `json:"at"`
	Reporter string    `json:"reporter"`
	RunID    string    `json:"run_id"`
}

// Topic is where reporter's membership events are published.
func Topic(reporter gossip.Id) string {
	return "membership/" + reporter.String() + "/events"
}

// Publisher forwards membership events to MQTT from its own goroutine.
// Events are dropped when the queue is full.
type Publisher struct {
	client   Publishing
	reporter gossip.Id
	runID    string
	topic    string
	log      *zap.Logger
	queue    chan gossip.Event
	dropped  atomic.Uint64
}

func NewPublisher(client Publishing, reporter gossip.Id, runID string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		client:   client,
		reporter: reporter,
		runID:    runID,
		topic:    Topic(reporter),
		log:      log,
		queue:    make(chan gossip.Event, publishQueueSize),
	}
}

// Enqueue never blocks. Pass it to gossip.Member.Subscribe.
func (p *Publisher) Enqueue(ev gossip.Event) {
	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
	}
}

// Dropped counts events lost to a full queue.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

// Run publishes queued events until ctx is done, then flushes what is
// already queued.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case ev := <-p.queue:
			p.publish(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-p.queue:
					p.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publish(ev gossip.Event) {
	body, err := json.Marshal(EventPayload{
		Member:   ev.ID.String(),
		Status:   ev.Status.String(),
		At:       ev.At,
		Reporter: p.reporter.String(),
		RunID:    p.runID,
	})
	if err != nil {
		p.log.Warn("encoding membership event", zap.Error(err))
		return
	}
	if err := p.client.Publish(p.topic, body, 0, false); err != nil {
		p.log.Warn("publishing membership event",
			zap.String("topic", p.topic), zap.Stringer("member", ev.ID), zap.Error(err))
	}
}
