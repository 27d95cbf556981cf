package models

import "strings"

// Task is one unit of collection work: a single call against the
// market-data API for an (endpoint, coin, exchange, timeframe) tuple.
// Exchange and Timeframe may be empty for endpoints that do not carry
// that dimension. Tasks are immutable once planned.
type Task struct {
	Endpoint  string `json:"endpoint"`
	Coin      string `json:"coin"`
	Exchange  string `json:"exchange"`
	Timeframe string `json:"timeframe"`
	Priority  int    `json:"priority"`
}

// Key returns the task identity used for stats and raw-record keying.
func (t Task) Key() string {
	return strings.Join([]string{t.Endpoint, t.Coin, t.Exchange, t.Timeframe}, "|")
}

func (t Task) String() string {
	return t.Key()
}
