package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"settlement-backend/core/settlement"
)

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// SubjectPrefix roots the dispatch and delivery subjects.
	SubjectPrefix string

	Name  string
	Token string

	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration

	// HandlerTimeout bounds each delivery callback.
	HandlerTimeout time.Duration

	// Stream persists delivery reports until the service acks them.
	Stream string
	// Durable names the delivery consumer so restarts resume where they left off.
	Durable string
	// MaxDeliver caps redeliveries of a report whose handler keeps failing.
	MaxDeliver int
	// NakDelay spaces redeliveries after a transient handler failure.
	NakDelay time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		SubjectPrefix:  "settlement",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
		HandlerTimeout: 10 * time.Second,
		Stream:         "SETTLEMENT_DELIVERIES",
		Durable:        "settlementd",
		MaxDeliver:     8,
		NakDelay:       2 * time.Second,
	}
}

// DispatchSubject is where claim dispatches are published.
func (c NATSConfig) DispatchSubject() string { return c.SubjectPrefix + ".dispatch" }

// DeliverySubject is where bridge relayers report outcomes.
func (c NATSConfig) DeliverySubject() string { return c.SubjectPrefix + ".delivery" }

// NATS publishes dispatches as JSON and consumes delivery reports from a
// JetStream stream, acking each only once the ledger has applied it.
type NATS struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	config NATSConfig

	mu        sync.Mutex
	consumers []jetstream.ConsumeContext
}

// NewNATS connects to the configured server.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	def := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if strings.TrimSpace(cfg.SubjectPrefix) == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = def.HandlerTimeout
	}
	if cfg.Stream == "" {
		cfg.Stream = def.Stream
	}
	if cfg.Durable == "" {
		cfg.Durable = def.Durable
	}
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = def.MaxDeliver
	}
	if cfg.NakDelay <= 0 {
		cfg.NakDelay = def.NakDelay
	}
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.DeliverySubject()},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create delivery stream: %w", err)
	}
	return &NATS{conn: conn, js: js, config: cfg}, nil
}

// Dispatch publishes d and flushes so a broker refusal surfaces here.
func (n *NATS) Dispatch(ctx context.Context, d settlement.Dispatch) error {
	if n.conn.IsClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode dispatch: %w", err)
	}
	msg := nats.NewMsg(n.config.DispatchSubject())
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, d.DispatchID)
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// OnDelivery consumes the delivery stream with explicit acks. A report is
// acked once applied, terminated when the ledger rejects it outright, and
// nak'd for redelivery when the failure is transient.
func (n *NATS) OnDelivery(h settlement.DeliveryHandler) error {
	if h == nil {
		return errors.New("nil delivery handler")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cons, err := n.js.CreateOrUpdateConsumer(ctx, n.config.Stream, jetstream.ConsumerConfig{
		Durable:       n.config.Durable,
		FilterSubject: n.config.DeliverySubject(),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       n.config.HandlerTimeout + 5*time.Second,
		MaxDeliver:    n.config.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create delivery consumer: %w", err)
	}
	cc, err := cons.Consume(func(m jetstream.Msg) { n.handle(m, h) })
	if err != nil {
		return fmt.Errorf("consume deliveries: %w", err)
	}
	n.mu.Lock()
	n.consumers = append(n.consumers, cc)
	n.mu.Unlock()
	return nil
}

func (n *NATS) handle(m jetstream.Msg, h settlement.DeliveryHandler) {
	var res settlement.DeliveryResult
	if err := json.Unmarshal(m.Data(), &res); err != nil {
		log.Printf("transport: drop malformed delivery on %s: %v", m.Subject(), err)
		_ = m.Term()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.config.HandlerTimeout)
	defer cancel()
	err := h(ctx, res)
	switch {
	case err == nil:
		if aerr := m.Ack(); aerr != nil {
			log.Printf("transport: ack delivery %s: %v", res.DispatchID, aerr)
		}
	case rejected(err):
		log.Printf("transport: delivery %s for reward plan %d rejected: %v", res.DispatchID, res.RewardID, err)
		_ = m.Term()
	default:
		log.Printf("transport: delivery %s for reward plan %d failed, redelivering: %v", res.DispatchID, res.RewardID, err)
		_ = m.NakWithDelay(n.config.NakDelay)
	}
}

// rejected reports whether the ledger refused a delivery for good. Such a
// report will never apply no matter how often it is redelivered.
func rejected(err error) bool {
	return settlement.Permanent(err) ||
		errors.Is(err, settlement.ErrOrphanInconsistency) ||
		errors.Is(err, settlement.ErrInvalidState) ||
		errors.Is(err, settlement.ErrUnauthorized)
}

// Close stops the delivery consumers and closes the connection.
func (n *NATS) Close() error {
	n.mu.Lock()
	consumers := n.consumers
	n.consumers = nil
	n.mu.Unlock()
	for _, cc := range consumers {
		cc.Stop()
	}
	n.conn.Close()
	return nil
}

// Conn returns the underlying NATS connection.
func (n *NATS) Conn() *nats.Conn { return n.conn }
