// Package relay delivers sync events to Kafka for audit archival and future
// replay. The event log stays the source of truth; the relay only stamps
// published_at after a successful delivery, so undelivered rows are simply
// picked up again on the next poll.
//
// Delivery is at-least-once. Row locks from the SKIP LOCKED claim are released
// when the fetch transaction commits, before the Kafka write, so a second
// relay instance (or a crash between delivery and markPublished) can ship the
// same rows again. Consumers dedupe on the event_id header.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

// Event represents a row fetched from sync_events.
type Event struct {
	EventID    int64
	BatchID    string
	OwnerID    string
	Action     string
	EntityKind string
	ServerID   int64
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// Relay drains unpublished sync events and delivers them to the audit topic.
type Relay struct {
	pool             *pgxpool.Pool
	producer         messageWriter
	topic            string
	pollInterval     time.Duration
	batchSize        int
	logger           *log.Logger
	shutdownComplete chan struct{}
}

// New constructs a Relay.
func New(pool *pgxpool.Pool, producer messageWriter, topic string, pollInterval time.Duration, batchSize int) *Relay {
	return &Relay{
		pool:             pool,
		producer:         producer,
		topic:            topic,
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		logger:           log.New(log.Writer(), "[relay] ", log.LstdFlags),
		shutdownComplete: make(chan struct{}),
	}
}

// Start launches the polling loop. It should be called in a goroutine.
func (r *Relay) Start(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer func() {
		ticker.Stop()
		close(r.shutdownComplete)
	}()

	for {
		if err := r.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Printf("relay error: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until the relay has stopped.
func (r *Relay) Wait() {
	<-r.shutdownComplete
}

func (r *Relay) processBatch(ctx context.Context) error {
	start := time.Now()

	events, err := r.fetchUnpublished(ctx)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	defer batchDuration.Observe(time.Since(start).Seconds())

	if err := r.deliver(ctx, events); err != nil {
		// Rows stay unpublished and are retried on the next tick.
		failedCounter.Add(float64(len(events)))
		return err
	}

	deliveredCounter.Add(float64(len(events)))
	return r.markPublished(ctx, events)
}

// fetchUnpublished claims a batch of unpublished events. SKIP LOCKED keeps
// concurrent relay instances from shipping the same rows twice.
func (r *Relay) fetchUnpublished(ctx context.Context) ([]Event, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	const query = `SELECT event_id, batch_id, owner_id, action, entity_kind, server_id, payload, created_at
        FROM sync_events
        WHERE published_at IS NULL
        ORDER BY event_id
        LIMIT $1
        FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, r.batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.EventID, &ev.BatchID, &ev.OwnerID, &ev.Action, &ev.EntityKind, &ev.ServerID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return events, nil
}

func (r *Relay) deliver(ctx context.Context, events []Event) error {
	messages := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		messages = append(messages, kafka.Message{
			// Partition by owner so one client's history stays ordered.
			Key:   []byte(ev.OwnerID),
			Value: ev.Payload,
			Time:  ev.CreatedAt,
			Headers: []kafka.Header{
				{Key: "action", Value: []byte(ev.Action)},
				{Key: "entity_kind", Value: []byte(ev.EntityKind)},
				{Key: "batch_id", Value: []byte(ev.BatchID)},
				{Key: "event_id", Value: []byte(strconv.FormatInt(ev.EventID, 10))},
			},
		})
	}
	return r.producer.WriteMessages(ctx, r.topic, messages...)
}

func (r *Relay) markPublished(ctx context.Context, events []Event) error {
	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.EventID)
	}
	_, err := r.pool.Exec(ctx, `UPDATE sync_events SET published_at = NOW() WHERE event_id = ANY($1)`, ids)
	return err
}
