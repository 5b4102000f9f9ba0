package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"telemetryagent/internal/config"
	"telemetryagent/internal/telemetry"
)

func TestKafkaTransport_PublishesEveryEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	var values []string
	for i := 0; i < 3; i++ {
		producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			values = append(values, string(val))
			return nil
		})
	}

	tr := newKafkaTransport(producer, map[telemetry.Channel]string{telemetry.Log: "app-logs"}, "web-01")
	defer tr.Close()

	att, err := tr.Send(context.Background(), newBatch(telemetry.Log, 1, `{"a":1}`, `{"a":2}`, `{"a":3}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if att.Class != Success {
		t.Errorf("class = %v", att.Class)
	}
	if len(values) != 3 || values[0] != `{"a":1}` || values[2] != `{"a":3}` {
		t.Errorf("published values = %v", values)
	}
}

func TestKafkaTransport_TopicResolution(t *testing.T) {
	tr := newKafkaTransport(mocks.NewSyncProducer(t, nil), map[telemetry.Channel]string{telemetry.Metric: "custom"}, "")
	defer tr.Close()

	if tr.topics[telemetry.Metric] != "custom" {
		t.Errorf("metric topic = %q", tr.topics[telemetry.Metric])
	}
	if tr.topics[telemetry.Health] != "telemetry-health" {
		t.Errorf("health topic = %q", tr.topics[telemetry.Health])
	}
}

func TestKafkaTransport_FailureClasses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"broker unavailable", sarama.ErrOutOfBrokers, Retriable},
		{"leader moved", sarama.ErrNotLeaderForPartition, Retriable},
		{"record too large", sarama.ErrMessageSizeTooLarge, Fatal},
		{"record list too large", sarama.ErrMessageSetSizeTooLarge, Fatal},
		{"not authorized", sarama.ErrTopicAuthorizationFailed, Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			producer := mocks.NewSyncProducer(t, nil)
			producer.ExpectSendMessageAndFail(tt.err)

			tr := newKafkaTransport(producer, nil, "")
			defer tr.Close()

			_, err := tr.Send(context.Background(), newBatch(telemetry.Log, 1, `{}`))
			if ClassOf(err) != tt.want {
				t.Errorf("class = %v, want %v (err=%v)", ClassOf(err), tt.want, err)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("error chain lost the broker error: %v", err)
			}
		})
	}
}

func TestKafkaTransport_ProducerErrorsUnwrapped(t *testing.T) {
	perrs := sarama.ProducerErrors{{Err: sarama.ErrInvalidMessage}}
	if classifyKafka(perrs) != Fatal {
		t.Error("ProducerErrors with a fatal KError should be fatal")
	}
}

func TestSaramaConfig_SCRAM(t *testing.T) {
	sc, err := saramaConfig(config.KafkaConfig{
		Compression:   "zstd",
		RequiredAcks:  -1,
		SASLEnabled:   true,
		SASLMechanism: "SCRAM-SHA-512",
		SASLUser:      "agent",
		SASLPassword:  "pw",
	}, config.SOCKSConfig{})
	if err != nil {
		t.Fatalf("saramaConfig failed: %v", err)
	}
	if sc.Net.SASL.Mechanism != sarama.SASLTypeSCRAMSHA512 {
		t.Errorf("mechanism = %v", sc.Net.SASL.Mechanism)
	}
	if sc.Producer.RequiredAcks != sarama.WaitForAll {
		t.Errorf("acks = %v", sc.Producer.RequiredAcks)
	}
	if _, ok := sc.Net.SASL.SCRAMClientGeneratorFunc().(*XDGSCRAMClient); !ok {
		t.Error("SCRAM generator should produce XDGSCRAMClient")
	}
}
