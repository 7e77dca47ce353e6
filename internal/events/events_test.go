package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSplitBrokers(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"localhost:9092", []string{"localhost:9092"}},
		{"a:9092, b:9092,,", []string{"a:9092", "b:9092"}},
		{"", nil},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, splitBrokers(tt.in), tt.in)
	}
}

func TestLogPublisher(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := NewLogPublisher(zap.New(core))

	err := p.Publish(context.Background(), PaymentEvent{
		Type:      TypePaymentSucceeded,
		Gateway:   "paystack",
		Reference: "pstk_ORD1_abc",
		Status:    "success",
	})
	assert.NoError(t, err)
	assert.NoError(t, p.Close())

	entries := logs.FilterField(zap.String("reference", "pstk_ORD1_abc")).All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "payment event", entries[0].Message)
	}
}

func TestKafkaPublisherWriterConfig(t *testing.T) {
	p := NewKafkaPublisher("k1:9092,k2:9092", "payments", zap.NewNop())
	defer p.Close()

	assert.Equal(t, "payments", p.writer.Topic)
	assert.NotNil(t, p.writer.Addr)
	assert.Equal(t, "tcp", p.writer.Addr.Network())
}
