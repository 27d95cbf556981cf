package catalog

import (
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Endpoint describes one metric category of the market-data API.
// TimeframeScoped endpoints expand over the configured timeframe list
// during planning; the rest produce a single task with no timeframe.
type Endpoint struct {
	Name            string
	TimeframeScoped bool
}

// Endpoints is the fixed registry of metric categories harvested from
// the API.
var Endpoints = []Endpoint{
	{Name: "ohlcv-history", TimeframeScoped: true},
	{Name: "order-book-history", TimeframeScoped: false},
	{Name: "funding-rate-history", TimeframeScoped: false},
	{Name: "predicted-funding-rate", TimeframeScoped: false},
	{Name: "open-interest-history", TimeframeScoped: true},
	{Name: "liquidation-history", TimeframeScoped: true},
	{Name: "trade-history", TimeframeScoped: false},
	{Name: "long-short-ratio", TimeframeScoped: true},
}

// Catalog maps each exchange onto the coins harvested from it.
type Catalog struct {
	Exchanges map[string][]string `json:"exchanges"`
}

// defaultCatalog covers the major perpetual-futures venues when no
// catalog document is configured.
func defaultCatalog() *Catalog {
	return &Catalog{
		Exchanges: map[string][]string{
			"binance": {"BTC", "ETH", "SOL", "XRP", "DOGE"},
			"bybit":   {"BTC", "ETH", "SOL"},
			"okx":     {"BTC", "ETH"},
		},
	}
}

// Load reads the catalog document mapping exchange to coin list. A
// missing file falls back to the built-in catalog.
func Load(path string, logger *logrus.Logger) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.WithField("path", path).Info("Catalog file not found, using built-in catalog")
			return defaultCatalog(), nil
		}
		return nil, err
	}

	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if len(c.Exchanges) == 0 {
		logger.WithField("path", path).Warn("Catalog file contains no exchanges, using built-in catalog")
		return defaultCatalog(), nil
	}

	logger.WithFields(logrus.Fields{
		"path":      path,
		"exchanges": len(c.Exchanges),
	}).Info("Loaded catalog")
	return &c, nil
}

// ExchangeNames returns the catalog's exchanges in a stable order.
func (c *Catalog) ExchangeNames() []string {
	names := make([]string, 0, len(c.Exchanges))
	for name := range c.Exchanges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var titleCaser = cases.Title(language.English)

// DisplayName renders an exchange identifier for logs and reports.
func DisplayName(exchange string) string {
	return titleCaser.String(strings.ToLower(exchange))
}
