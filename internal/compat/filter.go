package compat

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Rule restricts which exchanges and coins an endpoint may be called
// with. An empty list, or a list containing "all", allows every value.
type Rule struct {
	SupportedExchanges []string `json:"supported_exchanges"`
	SupportedCoins     []string `json:"supported_coins"`
}

type document struct {
	Endpoints map[string]Rule `json:"endpoints"`
	Default   Rule            `json:"default"`
}

// Filter answers whether an (endpoint, coin, exchange) triple is worth
// calling. Rules are loaded once at startup and read-only afterwards, so
// IsCompatible is safe for unbounded concurrent use.
type Filter struct {
	rules        map[string]Rule
	defaultRule  Rule
	hasEndpoints bool
}

// Load reads the compatibility rules document. A missing file is not an
// error: the built-in default-allow rule applies to everything.
func Load(path string, logger *logrus.Logger) (*Filter, error) {
	f := &Filter{
		rules:       make(map[string]Rule),
		defaultRule: Rule{},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.WithField("path", path).Info("Compatibility rules file not found, allowing all combinations")
			return f, nil
		}
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	f.rules = doc.Endpoints
	if f.rules == nil {
		f.rules = make(map[string]Rule)
	}
	f.defaultRule = doc.Default
	f.hasEndpoints = len(f.rules) > 0

	logger.WithFields(logrus.Fields{
		"path":  path,
		"rules": len(f.rules),
	}).Info("Loaded compatibility rules")
	return f, nil
}

// NewFilter builds a filter from in-memory rules. Used by tests and by
// callers that manage their own configuration loading.
func NewFilter(rules map[string]Rule, defaultRule Rule) *Filter {
	if rules == nil {
		rules = make(map[string]Rule)
	}
	return &Filter{
		rules:        rules,
		defaultRule:  defaultRule,
		hasEndpoints: len(rules) > 0,
	}
}

// IsCompatible reports whether the triple is allowed. Lookup order is
// endpoint-specific rule first, then the default rule.
func (f *Filter) IsCompatible(endpoint, coin, exchange string) bool {
	rule, ok := f.rules[endpoint]
	if !ok {
		rule = f.defaultRule
	}
	return allowed(rule.SupportedExchanges, exchange) && allowed(rule.SupportedCoins, coin)
}

// allowed performs case-insensitive membership. An empty set or one
// containing "all" admits every value, as does an empty candidate (an
// endpoint without that dimension).
func allowed(set []string, value string) bool {
	if len(set) == 0 || value == "" {
		return true
	}
	for _, s := range set {
		if strings.EqualFold(s, "all") || strings.EqualFold(s, value) {
			return true
		}
	}
	return false
}
