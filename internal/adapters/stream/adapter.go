// Package stream implements the event-stream ingestion adapter. It consumes
// canonical transaction and inventory records from Kafka topics in bounded
// batches and commits offsets only after the batch has been persisted, so a
// crash between persist and commit re-delivers rather than drops.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/aristath/shelfops/internal/adapters"
	"github.com/aristath/shelfops/internal/contract"
	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/tenant"
)

// Reader is the consumer surface the adapter needs from kafka-go. The
// concrete *kafka.Reader satisfies it; tests substitute an in-memory feed.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writers are the canonical sinks the adapter feeds.
type Writers struct {
	Transaction func(h tenant.Handle, t domain.Transaction) (bool, error)
	Inventory   func(h tenant.Handle, l domain.InventoryLevel) error
}

// Config holds the consumer settings for one tenant's stream.
type Config struct {
	Brokers        []string
	GroupID        string
	Topics         []string
	MaxPollRecords int           // Bounded batch per sync pass
	PollTimeout    time.Duration // Fetch deadline when the topic drains
}

// Adapter consumes canonical events from the broker.
type Adapter struct {
	cfg       Config
	writers   Writers
	syncLog   *adapters.SyncLogRepository
	log       zerolog.Logger
	newReader func(topic string) Reader
}

// NewAdapter creates a stream adapter backed by real kafka-go readers.
func NewAdapter(cfg Config, writers Writers, syncLog *adapters.SyncLogRepository, log zerolog.Logger) *Adapter {
	a := &Adapter{
		cfg:     cfg,
		writers: writers,
		syncLog: syncLog,
		log:     log.With().Str("adapter", "stream").Logger(),
	}
	a.newReader = func(topic string) Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}
	return a
}

// NewAdapterWithReader creates a stream adapter over a caller-supplied reader
// factory. Used by tests and the replay simulator.
func NewAdapterWithReader(cfg Config, writers Writers, syncLog *adapters.SyncLogRepository,
	newReader func(topic string) Reader, log zerolog.Logger) *Adapter {
	a := NewAdapter(cfg, writers, syncLog, log)
	a.newReader = newReader
	return a
}

// Kind returns the adapter variant.
func (a *Adapter) Kind() adapters.Kind { return adapters.KindStream }

// TestConnection dials the first broker.
func (a *Adapter) TestConnection(ctx context.Context) error {
	if len(a.cfg.Brokers) == 0 {
		return &domain.ContractError{Field: "brokers", Reason: "no broker addresses configured"}
	}
	conn, err := kafka.DialContext(ctx, "tcp", a.cfg.Brokers[0])
	if err != nil {
		return &domain.TransientError{Op: "broker dial", Err: err}
	}
	return conn.Close()
}

// SyncStores is not carried on the stream.
func (a *Adapter) SyncStores(_ context.Context, _ tenant.Handle) (*adapters.SyncResult, error) {
	return adapters.NewSyncResult().Finish(), nil
}

// SyncProducts is not carried on the stream.
func (a *Adapter) SyncProducts(_ context.Context, _ tenant.Handle) (*adapters.SyncResult, error) {
	return adapters.NewSyncResult().Finish(), nil
}

// SyncTransactions drains transaction topics up to the poll bound.
func (a *Adapter) SyncTransactions(ctx context.Context, h tenant.Handle) (*adapters.SyncResult, error) {
	return a.consume(ctx, h, "transactions")
}

// SyncInventory drains inventory topics up to the poll bound.
func (a *Adapter) SyncInventory(ctx context.Context, h tenant.Handle) (*adapters.SyncResult, error) {
	return a.consume(ctx, h, "inventory")
}

// consume drains every topic whose suffix matches the payload kind. A record
// that fails schema validation counts as failed and the batch continues;
// offsets commit only after the whole fetched batch has been persisted.
func (a *Adapter) consume(ctx context.Context, h tenant.Handle, payload string) (*adapters.SyncResult, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	res := adapters.NewSyncResult()

	for _, topic := range a.cfg.Topics {
		if !strings.HasSuffix(topic, "."+payload) {
			continue
		}
		if err := a.consumeTopic(ctx, h, topic, payload, res); err != nil {
			res.Fail(fmt.Sprintf("topic %s: %v", topic, err))
			a.recordLog(h, payload, res)
			return res, &domain.TransientError{Op: "stream consume " + topic, Err: err}
		}
	}

	res.Finish()
	a.recordLog(h, payload, res)
	return res, nil
}

func (a *Adapter) consumeTopic(ctx context.Context, h tenant.Handle, topic, payload string, res *adapters.SyncResult) error {
	reader := a.newReader(topic)
	defer reader.Close()

	pollTimeout := a.cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}

	var pending []kafka.Message
	for len(pending) < a.cfg.MaxPollRecords {
		fetchCtx, cancel := context.WithTimeout(ctx, pollTimeout)
		msg, err := reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				break // Topic drained for this pass
			}
			if errors.Is(err, context.Canceled) {
				break
			}
			return err
		}

		if err := a.persistMessage(h, payload, msg); err != nil {
			var contractErr *domain.ContractError
			if errors.As(err, &contractErr) {
				// Malformed record. Count it, keep its offset in the commit
				// set so it is not re-delivered forever.
				res.AddError(fmt.Errorf("%s offset %d: %w", topic, msg.Offset, err))
				pending = append(pending, msg)
				continue
			}
			// Persistence failure: commit what landed, surface the rest.
			if len(pending) > 0 {
				if cerr := reader.CommitMessages(ctx, pending...); cerr != nil {
					a.log.Warn().Err(cerr).Str("topic", topic).Msg("Failed to commit persisted offsets")
				}
			}
			return err
		}
		res.RecordsProcessed++
		pending = append(pending, msg)
	}

	if len(pending) > 0 {
		if err := reader.CommitMessages(ctx, pending...); err != nil {
			return err
		}
	}
	res.Metadata[topic] = len(pending)
	return nil
}

// persistMessage validates one event against its topic schema and writes it.
func (a *Adapter) persistMessage(h tenant.Handle, payload string, msg kafka.Message) error {
	switch payload {
	case "transactions":
		var rec contract.TransactionRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			return &domain.ContractError{Field: "payload", Reason: "malformed json: " + err.Error()}
		}
		if rec.Tenant != h.ID() {
			return &domain.ContractError{Field: "tenant", Reason: "event tenant mismatch"}
		}
		if err := rec.Validate(); err != nil {
			return err
		}
		_, err := a.writers.Transaction(h, rec.ToDomain(""))
		return err

	case "inventory":
		var rec contract.InventoryRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			return &domain.ContractError{Field: "payload", Reason: "malformed json: " + err.Error()}
		}
		if rec.Tenant != h.ID() {
			return &domain.ContractError{Field: "tenant", Reason: "event tenant mismatch"}
		}
		if err := rec.Validate(); err != nil {
			return err
		}
		if rec.Source == "" {
			rec.Source = "stream"
		}
		return a.writers.Inventory(h, rec.ToDomain(""))
	}
	return &domain.ContractError{Field: "payload", Reason: "unknown payload kind " + payload}
}

func (a *Adapter) recordLog(h tenant.Handle, payload string, res *adapters.SyncResult) {
	if a.syncLog == nil {
		return
	}
	if err := a.syncLog.Record(h, a.Kind(), payload, res); err != nil {
		a.log.Warn().Err(err).Msg("Failed to record sync log")
	}
}
