package kafkasource

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaramaConfigPlaintextByDefault(t *testing.T) {
	sc := saramaConfig(Config{})
	assert.False(t, sc.Net.SASL.Enable)
	assert.True(t, sc.Consumer.Return.Errors)
}

func TestSaramaConfigSCRAMSHA256(t *testing.T) {
	sc := saramaConfig(Config{
		SASLEnabled:   true,
		SASLMechanism: "scram-sha-256",
		SASLUsername:  "user",
		SASLPassword:  "pass",
	})

	assert.True(t, sc.Net.SASL.Enable)
	assert.Equal(t, sarama.SASLTypeSCRAMSHA256, sc.Net.SASL.Mechanism)
	require.NotNil(t, sc.Net.SASL.SCRAMClientGeneratorFunc)
	client := sc.Net.SASL.SCRAMClientGeneratorFunc()
	assert.Implements(t, (*sarama.SCRAMClient)(nil), client)
}

func TestSaramaConfigSCRAMSHA512(t *testing.T) {
	sc := saramaConfig(Config{
		SASLEnabled:   true,
		SASLMechanism: "scram-sha-512",
		SASLUsername:  "user",
		SASLPassword:  "pass",
	})
	assert.Equal(t, sarama.SASLTypeSCRAMSHA512, sc.Net.SASL.Mechanism)
}

func TestSaramaConfigUnknownMechanismFallsBackToPlain(t *testing.T) {
	sc := saramaConfig(Config{
		SASLEnabled:   true,
		SASLMechanism: "something-else",
	})
	assert.Equal(t, sarama.SASLTypePlaintext, sc.Net.SASL.Mechanism)
}

func TestNewSourceStoresConfig(t *testing.T) {
	cfg := Config{Brokers: []string{"localhost:9092"}, Topic: "changelog", Partition: 0}
	s := New(cfg)
	assert.Equal(t, cfg, s.cfg)
}
