package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PayloadKind classifies what shape of data an endpoint returns. The
// persister uses it to route recognized payloads into their typed tables.
type PayloadKind int

const (
	KindGeneric PayloadKind = iota
	KindMarket
	KindOrderBook
	KindFunding
	KindOpenInterest
	KindLiquidation
	KindTrade
)

func (k PayloadKind) String() string {
	switch k {
	case KindMarket:
		return "market"
	case KindOrderBook:
		return "order_book"
	case KindFunding:
		return "funding"
	case KindOpenInterest:
		return "open_interest"
	case KindLiquidation:
		return "liquidation"
	case KindTrade:
		return "trade"
	default:
		return "generic"
	}
}

// Classify maps an endpoint name onto a payload kind. The mapping is a
// fixed classification over the endpoint name, so a new endpoint that
// follows the existing naming conventions routes without code changes.
func Classify(endpoint string) PayloadKind {
	name := strings.ToLower(endpoint)
	switch {
	case strings.Contains(name, "ohlcv"), strings.Contains(name, "kline"), strings.Contains(name, "market"):
		return KindMarket
	case strings.Contains(name, "orderbook"), strings.Contains(name, "order-book"), strings.Contains(name, "depth"):
		return KindOrderBook
	case strings.Contains(name, "funding"):
		return KindFunding
	case strings.Contains(name, "openinterest"), strings.Contains(name, "open-interest"):
		return KindOpenInterest
	case strings.Contains(name, "liquidation"):
		return KindLiquidation
	case strings.Contains(name, "trade"):
		return KindTrade
	default:
		return KindGeneric
	}
}

// RawPayload is the undecoded result of one successful fetch.
type RawPayload struct {
	Task      Task
	Body      json.RawMessage
	FetchedAt time.Time
}

// Wire item shapes returned by the market-data API. All numeric fields
// use json.Number so a field arriving as either a string or a number
// decodes without error; conversion to decimal happens in the persister.

type MarketItem struct {
	T json.Number `json:"t"`
	O json.Number `json:"o"`
	H json.Number `json:"h"`
	L json.Number `json:"l"`
	C json.Number `json:"c"`
	V json.Number `json:"v"`
}

type OrderBookItem struct {
	T      json.Number `json:"t"`
	BidQty json.Number `json:"b"`
	AskQty json.Number `json:"a"`
}

type FundingItem struct {
	T               json.Number `json:"t"`
	Rate            json.Number `json:"v"`
	NextFundingTime json.Number `json:"nft"`
}

type OpenInterestItem struct {
	T     json.Number `json:"t"`
	Value json.Number `json:"v"`
}

type LiquidationItem struct {
	T        json.Number `json:"t"`
	LongQty  json.Number `json:"l"`
	ShortQty json.Number `json:"s"`
}

type TradeItem struct {
	T     json.Number `json:"t"`
	Price json.Number `json:"p"`
	Qty   json.Number `json:"q"`
	Side  string      `json:"side"`
}

type GenericItem struct {
	T     json.Number `json:"t"`
	Value json.Number `json:"v"`
}

// ParseDecimal converts a wire number into a decimal, defaulting to zero
// when the field is missing or unparsable. A single bad field never
// aborts the record it belongs to.
func ParseDecimal(n json.Number) decimal.Decimal {
	if n == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

// TimestampSanityWindow bounds how far a payload timestamp may deviate
// from the collection time before it is considered garbage.
const TimestampSanityWindow = 5 * 365 * 24 * time.Hour

// ParseTimestamp converts a Unix-seconds wire field into a time. Values
// outside the sanity window around now, along with missing or unparsable
// fields, are replaced with now. The bool reports whether the original
// value was used.
func ParseTimestamp(n json.Number, now time.Time) (time.Time, bool) {
	secs, err := n.Int64()
	if err != nil || secs <= 0 {
		return now, false
	}
	ts := time.Unix(secs, 0).UTC()
	if ts.Before(now.Add(-TimestampSanityWindow)) || ts.After(now.Add(TimestampSanityWindow)) {
		return now, false
	}
	return ts, true
}
