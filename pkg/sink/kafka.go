// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/logger"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/usage"

	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"
)

// ErrNoBrokers is returned by NewKafka without broker addresses.
var ErrNoBrokers = errors.New("at least one kafka broker is required")

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`

	// Topic receives the reports.
	// Default: abacus-usage-reports.
	Topic string `mapstructure:"topic"`

	// RequiredAcks: 0=none, 1=leader, -1=all.
	// Default: -1.
	RequiredAcks int `mapstructure:"required_acks"`

	// Compression: none, gzip, snappy, lz4 or zstd.
	// Default: snappy.
	Compression string `mapstructure:"compression"`

	// WriteTimeout bounds produce requests.
	// Default: 10s.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	TLS           bool `mapstructure:"tls"`
	TLSSkipVerify bool `mapstructure:"tls_skip_verify"`

	// SASLMechanism is PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512. Empty
	// disables SASL.
	SASLMechanism string `mapstructure:"sasl_mechanism"`
	SASLUsername  string `mapstructure:"sasl_username"`
	SASLPassword  string `mapstructure:"sasl_password"`
}

// DefaultKafkaConfig returns a KafkaConfig with default values.
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:      brokers,
		Topic:        "abacus-usage-reports",
		RequiredAcks: -1,
		Compression:  "snappy",
		WriteTimeout: 10 * time.Second,
	}
}

func (c *KafkaConfig) applyDefaults() {
	if c.Topic == "" {
		c.Topic = "abacus-usage-reports"
	}
	if c.RequiredAcks < -1 || c.RequiredAcks > 1 {
		c.RequiredAcks = -1
	}
	if c.Compression == "" {
		c.Compression = "snappy"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// saramaConfig translates the settings into a producer config.
func (c KafkaConfig) saramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = requiredAcks(c.RequiredAcks)
	config.Producer.Compression = compression(c.Compression)
	// Reports of one organization land on one partition, in order
	config.Producer.Partitioner = sarama.NewHashPartitioner

	config.Producer.Timeout = c.WriteTimeout
	config.Net.WriteTimeout = c.WriteTimeout
	config.Net.ReadTimeout = c.WriteTimeout

	if c.TLS {
		config.Net.TLS.Enable = true
		config.Net.TLS.Config = &tls.Config{InsecureSkipVerify: c.TLSSkipVerify}
	}
	if c.SASLMechanism != "" {
		config.Net.SASL.Enable = true
		config.Net.SASL.User = c.SASLUsername
		config.Net.SASL.Password = c.SASLPassword
		switch c.SASLMechanism {
		case sarama.SASLTypeSCRAMSHA256:
			config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &scramClient{mechanism: scram.SHA256}
			}
		case sarama.SASLTypeSCRAMSHA512:
			config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &scramClient{mechanism: scram.SHA512}
			}
		default:
			config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}
	return config
}

func requiredAcks(n int) sarama.RequiredAcks {
	switch n {
	case 0:
		return sarama.NoResponse
	case 1:
		return sarama.WaitForLocal
	default:
		return sarama.WaitForAll
	}
}

func compression(name string) sarama.CompressionCodec {
	switch name {
	case "gzip":
		return sarama.CompressionGZIP
	case "lz4":
		return sarama.CompressionLZ4
	case "zstd":
		return sarama.CompressionZSTD
	case "none", "":
		return sarama.CompressionNone
	default:
		return sarama.CompressionSnappy
	}
}

// Kafka publishes reports to a Kafka topic keyed by organization.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
}

var _ Sink = (*Kafka)(nil)

// NewKafka connects a synchronous producer.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	cfg.applyDefaults()

	producer, err := sarama.NewSyncProducer(cfg.Brokers, cfg.saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka producer creation failed: %w", err)
	}
	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Str("compression", cfg.Compression).
		Int("required_acks", cfg.RequiredAcks).
		Msg("kafka report sink connected")
	return NewKafkaWithProducer(producer, cfg.Topic), nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(producer sarama.SyncProducer, topic string) *Kafka {
	return &Kafka{producer: producer, topic: topic}
}

func (k *Kafka) Name() string { return TypeKafka }

func (k *Kafka) Publish(ctx context.Context, report *usage.AggregatedUsage) (err error) {
	start := time.Now()
	defer func() { observe(TypeKafka, start, err) }()

	data, err := encode(report)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(report.OrganizationID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("report-id"), Value: []byte(report.ID)},
		},
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	logger.Ctx(ctx).Debug().
		Str("topic", k.topic).
		Str("org", report.OrganizationID).
		Int32("partition", partition).
		Int64("offset", offset).
		Int("size", len(data)).
		Msg("published report to kafka")
	return nil
}

func (k *Kafka) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}

// scramClient implements sarama.SCRAMClient.
type scramClient struct {
	mechanism    scram.HashGeneratorFcn
	conversation *scram.ClientConversation
}

func (c *scramClient) Begin(userName, password, authzID string) error {
	client, err := c.mechanism.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	c.conversation = client.NewConversation()
	return nil
}

func (c *scramClient) Step(challenge string) (string, error) {
	return c.conversation.Step(challenge)
}

func (c *scramClient) Done() bool {
	return c.conversation.Done()
}
