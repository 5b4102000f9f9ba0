package transport

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"hash"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"
	"golang.org/x/net/proxy"

	"telemetryagent/internal/config"
	"telemetryagent/internal/telemetry"
)

var (
	// SHA256 hash generator for SCRAM-SHA-256
	SHA256 scram.HashGeneratorFcn = func() hash.Hash { return sha256.New() }
	// SHA512 hash generator for SCRAM-SHA-512
	SHA512 scram.HashGeneratorFcn = func() hash.Hash { return sha512.New() }
)

// XDGSCRAMClient implements sarama.SCRAMClient for SCRAM authentication.
type XDGSCRAMClient struct {
	*scram.Client
	*scram.ClientConversation
	HashGeneratorFcn scram.HashGeneratorFcn
}

// Begin starts the SCRAM authentication.
func (x *XDGSCRAMClient) Begin(userName, password, authzID string) (err error) {
	x.Client, err = x.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	x.ClientConversation = x.Client.NewConversation()
	return nil
}

// Step processes the server challenge.
func (x *XDGSCRAMClient) Step(challenge string) (string, error) {
	return x.ClientConversation.Step(challenge)
}

// Done returns true if the conversation is complete.
func (x *XDGSCRAMClient) Done() bool {
	return x.ClientConversation.Done()
}

// KafkaTransport publishes each event of a batch as one Kafka record, one topic per channel.
// The batch succeeds only when every record is acknowledged.
type KafkaTransport struct {
	producer   sarama.SyncProducer
	topics     map[telemetry.Channel]string
	serverName string

	mu     sync.RWMutex
	closed bool
}

// DefaultTopic is used for channels without an explicit topic.
func DefaultTopic(ch telemetry.Channel) string {
	return "telemetry-" + ch.String()
}

// NewKafka creates a Kafka transport backed by a synchronous producer.
func NewKafka(cfg config.KafkaConfig, socksCfg config.SOCKSConfig, topics map[telemetry.Channel]string, serverName string) (*KafkaTransport, error) {
	sc, err := saramaConfig(cfg, socksCfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return newKafkaTransport(producer, topics, serverName), nil
}

func newKafkaTransport(producer sarama.SyncProducer, topics map[telemetry.Channel]string, serverName string) *KafkaTransport {
	resolved := make(map[telemetry.Channel]string, len(telemetry.Channels))
	for _, ch := range telemetry.Channels {
		resolved[ch] = DefaultTopic(ch)
		if t := topics[ch]; t != "" {
			resolved[ch] = t
		}
	}
	return &KafkaTransport{producer: producer, topics: resolved, serverName: serverName}
}

func saramaConfig(cfg config.KafkaConfig, socksCfg config.SOCKSConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_1_0_0
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Idempotent = false
	sc.Producer.Retry.Max = cfg.MaxRetries
	sc.Producer.Retry.Backoff = cfg.RetryBackoff

	switch strings.ToLower(cfg.Compression) {
	case "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionSnappy
	}

	switch cfg.RequiredAcks {
	case 0:
		sc.Producer.RequiredAcks = sarama.NoResponse
	case -1:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	default:
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	}

	if cfg.Timeout > 0 {
		sc.Net.DialTimeout = cfg.Timeout
		sc.Net.ReadTimeout = cfg.Timeout
		sc.Net.WriteTimeout = cfg.Timeout
		sc.Producer.Timeout = cfg.Timeout
	}

	if cfg.EnableTLS {
		tlsConfig, err := createTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = tlsConfig
	}

	if cfg.SASLEnabled {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.SASLUser
		sc.Net.SASL.Password = cfg.SASLPassword

		switch strings.ToUpper(cfg.SASLMechanism) {
		case "SCRAM-SHA-256":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &XDGSCRAMClient{HashGeneratorFcn: SHA256}
			}
		case "SCRAM-SHA-512":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &XDGSCRAMClient{HashGeneratorFcn: SHA512}
			}
		default:
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	if socksCfg.Host != "" && socksCfg.Port > 0 {
		addr := fmt.Sprintf("%s:%d", socksCfg.Host, socksCfg.Port)
		socksDialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer for Kafka: %w", err)
		}
		sc.Net.Proxy.Enable = true
		sc.Net.Proxy.Dialer = socksDialer
	}

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid Kafka configuration: %w", err)
	}
	return sc, nil
}

// Send publishes the batch. The sarama producer is not context-aware, so a
// cancelled ctx only prevents the call from starting.
func (t *KafkaTransport) Send(ctx context.Context, batch *telemetry.Batch) (Attempt, error) {
	start := time.Now()
	att := Attempt{}

	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		att.Class = Fatal
		return att, failure(Fatal, 0, ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		att.Class = Retriable
		return att, failure(Retriable, 0, err)
	}
	if batch.Empty() {
		att.Class = Fatal
		return att, failure(Fatal, 0, fmt.Errorf("empty batch"))
	}

	topic := t.topics[batch.Channel]
	msgs := make([]*sarama.ProducerMessage, 0, batch.Len())
	for _, e := range batch.Events {
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic:     topic,
			Key:       sarama.StringEncoder(t.serverName),
			Value:     sarama.ByteEncoder(e.Payload),
			Timestamp: e.Timestamp,
			Headers: []sarama.RecordHeader{
				{Key: []byte(HeaderChannel), Value: []byte(batch.Channel.String())},
				{Key: []byte("X-Event-Seq"), Value: []byte(strconv.FormatUint(e.Seq, 10))},
			},
		})
	}

	att.Tries = 1
	err := t.producer.SendMessages(msgs)
	att.Elapsed = time.Since(start)
	if err == nil {
		att.Class = Success
		return att, nil
	}

	att.Class = classifyKafka(err)
	return att, failure(att.Class, 0, fmt.Errorf("kafka publish to %s failed: %w", topic, err))
}

// classifyKafka treats broker-side rejections of the records themselves as fatal.
func classifyKafka(err error) Class {
	var perrs sarama.ProducerErrors
	if errors.As(err, &perrs) && len(perrs) > 0 {
		err = perrs[0].Err
	}
	var kerr sarama.KError
	if errors.As(err, &kerr) {
		switch kerr {
		case sarama.ErrMessageSizeTooLarge, sarama.ErrInvalidMessage, sarama.ErrInvalidMessageSize,
			sarama.ErrTopicAuthorizationFailed, sarama.ErrInvalidTopic, sarama.ErrMessageSetSizeTooLarge:
			return Fatal
		}
	}
	return Retriable
}

// Close flushes and closes the producer.
func (t *KafkaTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.producer.Close()
}

func createTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}
