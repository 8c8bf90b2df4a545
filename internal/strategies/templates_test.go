package strategies

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"polytrade.com/internal/domain"
)

func TestTemplateProducerEmitsValidSpecs(t *testing.T) {
	p := NewTemplateProducer(7)
	seen := map[Op]bool{}
	for i := 0; i < 50; i++ {
		raw, err := p.Produce(context.Background(), domain.ProduceRequest{Symbol: "BTC_USDT", Timeframe: "1h"})
		require.NoError(t, err)

		spec, err := ParseSpec(raw)
		require.NoError(t, err, string(raw))
		require.NotNil(t, spec.Exit)
		seen[spec.Entry.Op] = true
	}
	assert.True(t, seen[OpCrossAbove])
	assert.True(t, seen[OpLt])
}

func TestTemplateProducerIsDeterministicPerSeed(t *testing.T) {
	a, _ := NewTemplateProducer(42).Produce(context.Background(), domain.ProduceRequest{})
	b, _ := NewTemplateProducer(42).Produce(context.Background(), domain.ProduceRequest{})
	assert.JSONEq(t, string(a), string(b))
}
