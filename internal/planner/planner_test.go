package planner

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundarb/harvester/internal/catalog"
	"github.com/fundarb/harvester/internal/compat"
)

func TestPlan_FundingRateScenario(t *testing.T) {
	cat := &catalog.Catalog{Exchanges: map[string][]string{
		"binance": {"BTC", "ETH"},
	}}
	p := NewPlanner(cat, compat.NewFilter(nil, compat.Rule{}), []string{"1h"}, logrus.New())
	p.endpoints = []catalog.Endpoint{{Name: "funding-rate-history", TimeframeScoped: false}}

	tasks := p.Plan()
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, "funding-rate-history", task.Endpoint)
		assert.Equal(t, "binance", task.Exchange)
		assert.Empty(t, task.Timeframe)
	}
	// BTC outranks ETH in the coin priority table.
	assert.Equal(t, "BTC", tasks[0].Coin)
	assert.Equal(t, "ETH", tasks[1].Coin)
}

func TestPlan_TimeframeExpansion(t *testing.T) {
	cat := &catalog.Catalog{Exchanges: map[string][]string{
		"binance": {"BTC"},
	}}
	p := NewPlanner(cat, compat.NewFilter(nil, compat.Rule{}), []string{"1m", "1h", "1d"}, logrus.New())
	p.endpoints = []catalog.Endpoint{{Name: "ohlcv-history", TimeframeScoped: true}}

	tasks := p.Plan()
	require.Len(t, tasks, 3)
	seen := make(map[string]bool)
	for _, task := range tasks {
		seen[task.Timeframe] = true
	}
	assert.Equal(t, map[string]bool{"1m": true, "1h": true, "1d": true}, seen)
}

func TestPlan_SortedByPriorityDescending(t *testing.T) {
	cat := &catalog.Catalog{Exchanges: map[string][]string{
		"binance": {"BTC", "ETH", "DOGE"},
		"okx":     {"BTC", "SOL"},
	}}
	p := NewPlanner(cat, compat.NewFilter(nil, compat.Rule{}), []string{"1h", "4h"}, logrus.New())

	tasks := p.Plan()
	require.NotEmpty(t, tasks)
	for i := 1; i < len(tasks); i++ {
		assert.GreaterOrEqual(t, tasks[i-1].Priority, tasks[i].Priority,
			"tasks[%d]=%s tasks[%d]=%s", i-1, tasks[i-1].Key(), i, tasks[i].Key())
	}
}

func TestPlan_DeterministicTieBreak(t *testing.T) {
	cat := &catalog.Catalog{Exchanges: map[string][]string{
		"binance": {"BTC", "ETH", "SOL", "XRP", "DOGE"},
		"bybit":   {"BTC", "ETH"},
	}}
	p := NewPlanner(cat, compat.NewFilter(nil, compat.Rule{}), []string{"1h"}, logrus.New())

	first := p.Plan()
	second := p.Plan()
	assert.Equal(t, first, second)
}

func TestPlan_FiltersIncompatibleTriples(t *testing.T) {
	cat := &catalog.Catalog{Exchanges: map[string][]string{
		"binance": {"BTC", "DOGE"},
		"okx":     {"BTC"},
	}}
	filter := compat.NewFilter(map[string]compat.Rule{
		"trade-history": {
			SupportedExchanges: []string{"binance"},
			SupportedCoins:     []string{"BTC"},
		},
	}, compat.Rule{})
	p := NewPlanner(cat, filter, []string{"1h"}, logrus.New())
	p.endpoints = []catalog.Endpoint{{Name: "trade-history", TimeframeScoped: false}}

	tasks := p.Plan()
	require.Len(t, tasks, 1)
	assert.Equal(t, "BTC", tasks[0].Coin)
	assert.Equal(t, "binance", tasks[0].Exchange)
}

func TestPriorityTables_DefaultFallback(t *testing.T) {
	assert.Equal(t, defaultEndpointPriority, endpointPriority("never-heard-of-it"))
	assert.Equal(t, defaultCoinPriority, coinPriority("SHIB"))
	assert.Equal(t, defaultExchangePriority, exchangePriority("hyperliquid"))

	assert.Greater(t, endpointPriority("funding-rate-history"), endpointPriority("trade-history"))
	assert.Greater(t, coinPriority("btc"), coinPriority("XRP"))
	assert.Greater(t, exchangePriority("BINANCE"), exchangePriority("okx"))
}
