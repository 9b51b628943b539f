// Package orchestrator drives one batch end to end (C9): parse ingest,
// admit into the ledger, publish in study-date order, then poll the
// ledger's export count until it stops moving.
package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
	"github.com/SAFEHR-data/PIXL-sub000/go/sklog"
	"github.com/SAFEHR-data/PIXL-sub000/ledger"
	"github.com/SAFEHR-data/PIXL-sub000/message"
	"github.com/SAFEHR-data/PIXL-sub000/queue"
)

// Config parameterises the stability loop.
type Config struct {
	NumRetries        int
	RetrySleep        time.Duration // CLI_RETRY_SECONDS
	QueueDrainTimeout time.Duration // bounds each WaitForDrain call
}

// DefaultConfig matches the CLI's documented defaults.
func DefaultConfig() Config {
	return Config{NumRetries: 60, RetrySleep: 10 * time.Second, QueueDrainTimeout: 5 * time.Minute}
}

// PublishFunc publishes a batch of messages to the imaging queue, sorted
// by study_date ascending by the caller.
type PublishFunc func(ctx context.Context, messages []message.Message) error

// DrainFunc blocks until the imaging queue has no messages still in
// flight, or returns the context error if it never drains in time.
type DrainFunc func(ctx context.Context) error

// Driver runs one batch.
type Driver struct {
	Ledger       ledger.Store
	Publish      PublishFunc
	WaitForDrain DrainFunc // optional; nil skips the drain wait
	Config       Config
}

// Run admits the batch, publishes it in study-date order, then runs the
// stability loop for one extract.
func (d *Driver) Run(ctx context.Context, extractSlug string, items []message.Message) error {
	admissionItems := make([]ledger.AdmissionItem, len(items))
	byKey := make(map[ledgerKey]message.Message, len(items))
	for i, m := range items {
		admissionItems[i] = ledger.AdmissionItem{
			MRN:             m.MRN,
			AccessionNumber: m.AccessionNumber,
			StudyUID:        m.StudyUID,
			StudyDate:       m.StudyDate,
		}
		byKey[ledgerKey{mrn: m.MRN, accession: m.AccessionNumber}] = m
	}

	admitted, err := d.Ledger.Admit(ctx, extractSlug, admissionItems)
	if err != nil {
		return skerr.Wrap(err)
	}
	sklog.Infof("orchestrator: admitted %d/%d items for extract %s", len(admitted), len(items), extractSlug)

	pending := toMessages(admitted, byKey)
	sortByStudyDate(pending)

	if len(pending) > 0 {
		if err := d.Publish(ctx, pending); err != nil {
			return skerr.Wrap(err)
		}
	}

	return d.stabilityLoop(ctx, extractSlug, admissionItems, byKey)
}

func toMessages(items []ledger.AdmissionItem, byKey map[ledgerKey]message.Message) []message.Message {
	out := make([]message.Message, 0, len(items))
	for _, a := range items {
		if m, ok := byKey[ledgerKey{mrn: a.MRN, accession: a.AccessionNumber}]; ok {
			out = append(out, m)
		}
	}
	return out
}

type ledgerKey struct {
	mrn       string
	accession string
}

func sortByStudyDate(messages []message.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].StudyDate.Before(messages[j].StudyDate)
	})
}

// stabilityLoop sleeps, counts exported studies, compares against the
// previous count, and republishes any still-pending items or stops.
// Stability is defined by observed ledger progress, not broker state —
// this is the system's sole retry authority.
//
// "Still unexported" is read back by re-running Admit with the same item
// set: Admit's contract already returns exactly the subset whose
// exported_at is NULL, so it doubles as the pending-work query the loop
// needs without a second ledger method.
func (d *Driver) stabilityLoop(ctx context.Context, extractSlug string, admissionItems []ledger.AdmissionItem, byKey map[ledgerKey]message.Message) error {
	if len(admissionItems) == 0 {
		return nil
	}

	lastCount := -1
	for attempt := 0; attempt < d.Config.NumRetries; attempt++ {
		select {
		case <-ctx.Done():
			return skerr.Wrap(ctx.Err())
		case <-time.After(d.Config.RetrySleep):
		}

		if d.WaitForDrain != nil {
			drainCtx, cancel := context.WithTimeout(ctx, d.Config.QueueDrainTimeout)
			err := d.WaitForDrain(drainCtx)
			cancel()
			if err != nil {
				sklog.Warningf("orchestrator: extract %s queue did not drain within %s, counting anyway: %s",
					extractSlug, d.Config.QueueDrainTimeout, err)
			}
		}

		count, err := d.Ledger.CountExported(ctx, extractSlug)
		if err != nil {
			return skerr.Wrap(err)
		}
		sklog.Infof("orchestrator: extract %s exported=%d (attempt %d)", extractSlug, count, attempt)

		if count == lastCount {
			return nil
		}
		lastCount = count

		stillPending, err := d.Ledger.Admit(ctx, extractSlug, admissionItems)
		if err != nil {
			return skerr.Wrap(err)
		}
		if len(stillPending) == 0 {
			return nil
		}
		if err := d.Publish(ctx, toMessages(stillPending, byKey)); err != nil {
			return skerr.Wrap(err)
		}
	}
	sklog.Warningf("orchestrator: extract %s did not stabilise after %d retries", extractSlug, d.Config.NumRetries)
	return nil
}

// PublishToQueues publishes every message to the primary imaging queue; a
// thin adapter from Driver's PublishFunc to the broker. Nothing is
// published to the secondary imaging queue.
func PublishToQueues(broker *queue.Broker) PublishFunc {
	return func(ctx context.Context, messages []message.Message) error {
		return broker.Publish(ctx, queue.TopicImagingPrimary, messages)
	}
}

// WaitForQueueDrain adapts the broker's pending-count poll to a DrainFunc,
// waiting for the primary imaging queue to empty before each stability
// check, matching the CLI's wait-for-queues-to-empty step.
func WaitForQueueDrain(broker *queue.Broker, pollInterval time.Duration) DrainFunc {
	return func(ctx context.Context) error {
		return broker.WaitForEmpty(ctx, queue.TopicImagingPrimary, pollInterval)
	}
}
