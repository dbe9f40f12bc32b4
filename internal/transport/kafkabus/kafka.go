// Package kafkabus is a fabric over Kafka. A channel id maps to the topic
// TopicPrefix+id. Each instance reads with its own consumer group so that
// every instance sees every message, which the negotiation protocol needs.
package kafkabus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/ikvm/Microservice/internal/transport"
	"github.com/ikvm/Microservice/pkg/logx"
)

type Config struct {
	Brokers     []string
	TopicPrefix string
	GroupPrefix string
	// MaxWait bounds how long a fetch blocks inside the reader.
	MaxWait      time.Duration
	WriteTimeout time.Duration
}

type Fabric struct {
	cfg        Config
	originator string
	log        logx.Logger

	mu     sync.Mutex
	writer *kafka.Writer
}

// New creates a fabric; originator names the consumer group of this instance.
func New(cfg Config, originator string, log logx.Logger) *Fabric {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Fabric{
		cfg:        cfg,
		originator: originator,
		log:        log.With(logx.String("comp", "kafka")),
		writer:     newWriter(cfg),
	}
}

func newWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            1, // the transport Sender owns retries
		WriteTimeout:           cfg.WriteTimeout,
		ReadTimeout:            cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
}

func (f *Fabric) Name() string { return "kafka" }

func (f *Fabric) topic(channelID string) string { return f.cfg.TopicPrefix + channelID }

func (f *Fabric) Send(ctx context.Context, m *transport.Message) error {
	b, err := transport.Encode(m)
	if err != nil {
		return err
	}
	headers := toHeaders(m.Headers)
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	key := m.CorrelationID
	if key == "" {
		key = m.ID
	}

	f.mu.Lock()
	w := f.writer
	f.mu.Unlock()

	err = w.WriteMessages(ctx, kafka.Message{
		Topic:   f.topic(m.ChannelID),
		Key:     []byte(key),
		Value:   b,
		Headers: []kafka.Header(headers),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", m.ChannelID, classify(err))
	}
	return nil
}

func (f *Fabric) Subscribe(_ context.Context, channelID string) (transport.Receiver, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     f.cfg.Brokers,
		Topic:       f.topic(channelID),
		GroupID:     f.cfg.GroupPrefix + f.originator,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     f.cfg.MaxWait,
		StartOffset: kafka.LastOffset,
	})
	return &receiver{reader: r, log: f.log}, nil
}

// Reinitialize replaces the writer after a connection fault.
func (f *Fabric) Reinitialize(context.Context) error {
	f.mu.Lock()
	old := f.writer
	f.writer = newWriter(f.cfg)
	f.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (f *Fabric) Close() error {
	f.mu.Lock()
	w := f.writer
	f.writer = nil
	f.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

type receiver struct {
	reader *kafka.Reader
	log    logx.Logger
}

// ReceiveBatch blocks up to wait for the first record, then drains whatever
// arrives within a short grace period, up to maxN records.
func (r *receiver) ReceiveBatch(ctx context.Context, maxN int, wait time.Duration) ([]*transport.Message, error) {
	if maxN <= 0 {
		maxN = 1
	}
	var batch []*transport.Message
	deadline := wait
	for len(batch) < maxN {
		rctx, cancel := context.WithTimeout(ctx, deadline)
		km, err := r.reader.ReadMessage(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return batch, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return batch, nil
			}
			return batch, fmt.Errorf("kafka fetch: %w", classify(err))
		}
		m, err := transport.Decode(km.Value)
		if err != nil {
			r.log.Warn("skipping malformed record", logx.String("topic", km.Topic), logx.Int64("offset", km.Offset), logx.Err(err))
			continue
		}
		if m.Headers == nil {
			m.Headers = map[string]string{}
		}
		for _, h := range km.Headers {
			if _, ok := m.Headers[h.Key]; !ok {
				m.Headers[h.Key] = string(h.Value)
			}
		}
		batch = append(batch, m)
		deadline = 10 * time.Millisecond
	}
	return batch, nil
}

func (r *receiver) Close() error { return r.reader.Close() }

func toHeaders(m map[string]string) HeaderCarrier {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	hc := make(HeaderCarrier, 0, len(keys))
	for _, k := range keys {
		hc = append(hc, kafka.Header{Key: k, Value: []byte(m[k])})
	}
	return hc
}

// classify maps kafka-go errors onto the transport fault taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var we kafka.WriteErrors
	if errors.As(err, &we) {
		for _, e := range we {
			if e != nil {
				err = e
				break
			}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", transport.ErrTimeout, err)
	}
	var ke kafka.Error
	if errors.As(err, &ke) {
		switch {
		case ke == kafka.UnknownTopicOrPartition:
			return fmt.Errorf("%w: %v", transport.ErrNoRecipient, err)
		case ke.Timeout():
			return fmt.Errorf("%w: %v", transport.ErrTimeout, err)
		case ke.Temporary():
			return fmt.Errorf("%w: %v", transport.ErrReinitialize, err)
		}
		return err
	}
	if errors.Is(err, kafka.ErrGroupClosed) || errors.Is(err, kafka.ErrGenerationEnded) {
		return fmt.Errorf("%w: %v", transport.ErrReinitialize, err)
	}
	return err
}
