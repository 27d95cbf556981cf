package planner

import "strings"

// Static priority tables. The composite task priority is the plain sum
// of the endpoint, coin and exchange scores; anything not listed falls
// back to the default for its table.

const (
	defaultEndpointPriority = 5
	defaultCoinPriority     = 5
	defaultExchangePriority = 5
)

var endpointPriorities = map[string]int{
	"funding-rate-history":   30,
	"predicted-funding-rate": 25,
	"open-interest-history":  20,
	"ohlcv-history":          15,
	"order-book-history":     10,
	"liquidation-history":    10,
	"long-short-ratio":       8,
	"trade-history":          5,
}

var coinPriorities = map[string]int{
	"BTC": 20,
	"ETH": 18,
	"SOL": 15,
	"XRP": 10,
}

var exchangePriorities = map[string]int{
	"binance": 15,
	"bybit":   12,
	"okx":     10,
}

func endpointPriority(endpoint string) int {
	if p, ok := endpointPriorities[endpoint]; ok {
		return p
	}
	return defaultEndpointPriority
}

func coinPriority(coin string) int {
	if p, ok := coinPriorities[strings.ToUpper(coin)]; ok {
		return p
	}
	return defaultCoinPriority
}

func exchangePriority(exchange string) int {
	if p, ok := exchangePriorities[strings.ToLower(exchange)]; ok {
		return p
	}
	return defaultExchangePriority
}
