// Package queue is the durable, at-least-once broker adapter (C5): a thin
// wrapper over Pub/Sub topics/subscriptions implementing this system's
// publish/consume contract, plus the rate-limiter refresh control surface.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/SAFEHR-data/PIXL-sub000/go/ratelimit"
	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
	"github.com/SAFEHR-data/PIXL-sub000/go/sklog"
	"github.com/SAFEHR-data/PIXL-sub000/message"
)

// Names of the three durable queues this system uses.
const (
	TopicImagingPrimary   = "imaging-primary"
	TopicImagingSecondary = "imaging-secondary"
	TopicExport           = "export"
)

// ErrRequeue names a requeue request. Consume nacks a message for
// redelivery only when the rate limiter denies it, before it is acked; a
// Callback runs after the ack, so an ErrRequeue it returns is logged and
// the message is not redelivered.
var ErrRequeue = errors.New("queue: requeue message")

// requeueDelay is the short pause before a rate-limit-denied message is
// nacked, giving the token bucket a chance to refill before redelivery.
const requeueDelay = 200 * time.Millisecond

// Broker publishes to and consumes from the durable queues backing this
// system, rate-limiting admission per (queue, key) via an injected Limiter.
type Broker struct {
	client  *pubsub.Client
	limiter *ratelimit.Limiter

	mu      sync.Mutex
	pending map[string]int // topic name -> messages published but not yet acked
}

// New wraps an already-constructed pubsub.Client.
func New(client *pubsub.Client, limiter *ratelimit.Limiter) *Broker {
	return &Broker{client: client, limiter: limiter, pending: make(map[string]int)}
}

// Publish publishes messages to the named topic and waits for every publish
// result, surfacing the first error encountered.
func (b *Broker) Publish(ctx context.Context, topicName string, messages []message.Message) error {
	topic := b.client.Topic(topicName)
	defer topic.Stop()

	results := make([]*pubsub.PublishResult, 0, len(messages))
	for _, m := range messages {
		data, err := m.Serialise()
		if err != nil {
			return skerr.Wrap(err)
		}
		results = append(results, topic.Publish(ctx, &pubsub.Message{Data: data}))
	}
	for _, r := range results {
		if _, err := r.Get(ctx); err != nil {
			return skerr.Wrap(err)
		}
	}
	b.addPending(topicName, len(messages))
	return nil
}

func (b *Broker) addPending(topicName string, delta int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[topicName] += delta
	if b.pending[topicName] < 0 {
		b.pending[topicName] = 0
	}
}

// PendingCount returns the number of messages published to topicName that
// this Broker has not yet seen acked by a Consume loop. It only reflects
// delivery handled by this process's Broker instance, not the true
// Pub/Sub subscription backlog (the Go client exposes no backlog query;
// that requires the Cloud Monitoring API, which nothing else in this
// module pulls in).
func (b *Broker) PendingCount(topicName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending[topicName]
}

// WaitForEmpty polls PendingCount(topicName) until it reaches zero,
// sleeping pollInterval between checks, matching the original CLI's
// _wait_for_queues_to_empty poll-until-zero loop run before each
// stability-check iteration.
func (b *Broker) WaitForEmpty(ctx context.Context, topicName string, pollInterval time.Duration) error {
	for {
		if b.PendingCount(topicName) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return skerr.Wrap(ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// Callback processes one message's body. It runs after the message has
// been acked, so any non-nil error, ErrRequeue included, is logged and the
// message is dropped (ack-then-drop), since downstream progress is tracked
// by the ledger, not broker state.
type Callback func(ctx context.Context, m message.Message) error

// RateLimitKeyFunc selects which (primary/secondary) bucket gates a given
// message, so the same consumer loop serves either queue.
type RateLimitKeyFunc func(m message.Message) ratelimit.Key

// Consume cooperatively processes messages from subscriptionName: each
// message is first checked against the rate limiter; a denial requeues it
// after a short delay, otherwise the message is acked immediately and then
// handed to cb. maxInFlight bounds concurrently-processed messages via the
// subscription's receive settings.
func (b *Broker) Consume(ctx context.Context, queueName, subscriptionName string, maxInFlight int, keyFn RateLimitKeyFunc, cb Callback) error {
	sub := b.client.Subscription(subscriptionName)
	sub.ReceiveSettings.MaxOutstandingMessages = maxInFlight

	return sub.Receive(ctx, func(ctx context.Context, pm *pubsub.Message) {
		m, err := message.Deserialise(pm.Data)
		if err != nil {
			sklog.Errorf("queue: dropping undeserialisable message on %s: %s", queueName, err)
			pm.Ack()
			b.addPending(queueName, -1)
			return
		}

		key := keyFn(m)
		if !b.limiter.TryAcquire(queueName, key) {
			time.AfterFunc(requeueDelay, pm.Nack)
			return
		}

		pm.Ack()
		b.addPending(queueName, -1)
		if err := cb(ctx, m); err != nil {
			if errors.Is(err, ErrRequeue) {
				// The callback itself asked for a requeue after already
				// being acked is a contradiction in terms; callbacks
				// signal Requeue only via the rate limiter path above.
				// Any callback-returned error, ErrRequeue included, is
				// logged as terminal for this delivery.
				sklog.Warningf("queue: %s/%s mrn=%s accession=%s requeue requested post-ack, treating as terminal: %s",
					queueName, subscriptionName, m.MRN, m.AccessionNumber, err)
				return
			}
			sklog.Warningf("queue: %s/%s mrn=%s accession=%s callback failed, message dropped: %s",
				queueName, subscriptionName, m.MRN, m.AccessionNumber, err)
		}
	})
}
