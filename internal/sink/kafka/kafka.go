// Package kafka implements the Sink contract over a real broker using
// franz-go in the producer direction.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"go.uber.org/zap"

	"github.com/route-beacon/risotto/internal/sink"
)

// Config configures the Kafka producer sink.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
	TLS      *tls.Config
	SASL     sasl.Mechanism
}

// Sink produces normalized update records to a single Kafka topic.
type Sink struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

// New builds a franz-go client from cfg (seed brokers, client ID, optional
// TLS/SASL dialer) and wraps it as a Sink.
func New(cfg Config, logger *zap.Logger) (*Sink, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}
	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}
	if cfg.SASL != nil {
		opts = append(opts, kgo.SASL(cfg.SASL))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: new client: %w", err)
	}

	return &Sink{client: client, topic: cfg.Topic, logger: logger.Named("sink.kafka")}, nil
}

// Produce publishes one record synchronously and classifies the result per
// §7: errors that isTransient accepts (context deadline/cancellation,
// transport failures, and the broker errors listed there) are wrapped in
// sink.ErrTransient for the caller to retry; every other error is wrapped
// in sink.ErrFatal (tear down the connection without mutating collector
// state).
func (s *Sink) Produce(ctx context.Context, key, value []byte) error {
	record := &kgo.Record{Topic: s.topic, Key: key, Value: value}

	results := s.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		if isTransient(err) {
			return fmt.Errorf("%w: %v", sink.ErrTransient, err)
		}
		return fmt.Errorf("%w: %v", sink.ErrFatal, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Sink) Close() {
	s.client.Close()
}

// IsReady reports whether the client can currently reach the cluster,
// implementing httpapi.SinkStatus for the /readyz check.
func (s *Sink) IsReady() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.client.Ping(ctx) == nil
}

// isTransient classifies a produce error as retriable. Broker-unreachable
// (dial failures), leader-not-available, and request-timeout all resolve
// once the cluster recovers, so the caller backs off and retries. Message
// too large, unknown topic, and auth failures are permanent for this record
// and fall through to sink.ErrFatal instead.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var kErr *kerr.Error
	if errors.As(err, &kErr) {
		switch kErr {
		case kerr.LeaderNotAvailable, kerr.RequestTimedOut, kerr.NotEnoughReplicas, kerr.NotEnoughReplicasAfterAppend, kerr.NotLeaderForPartition:
			return true
		case kerr.MessageTooLarge, kerr.UnknownTopicOrPartition, kerr.TopicAuthorizationFailed, kerr.ClusterAuthorizationFailed, kerr.SaslAuthenticationFailed:
			return false
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return false
}

// BuildSASLPlain constructs a PLAIN SASL mechanism.
func BuildSASLPlain(username, password string) sasl.Mechanism {
	return plain.Auth{User: username, Pass: password}.AsMechanism()
}
