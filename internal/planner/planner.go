package planner

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/fundarb/harvester/internal/catalog"
	"github.com/fundarb/harvester/internal/compat"
	"github.com/fundarb/harvester/internal/models"
)

// Planner enumerates the (endpoint, coin, exchange, timeframe) cross
// product from the catalog, drops incompatible triples, and orders the
// result so the highest-value work runs first.
type Planner struct {
	catalog    *catalog.Catalog
	filter     *compat.Filter
	endpoints  []catalog.Endpoint
	timeframes []string
	logger     *logrus.Logger
}

func NewPlanner(cat *catalog.Catalog, filter *compat.Filter, timeframes []string, logger *logrus.Logger) *Planner {
	return &Planner{
		catalog:    cat,
		filter:     filter,
		endpoints:  catalog.Endpoints,
		timeframes: timeframes,
		logger:     logger,
	}
}

// Plan produces the task list for one harvest cycle, sorted descending
// by priority. Ties break lexicographically on task identity so the
// order is deterministic across runs.
func (p *Planner) Plan() []models.Task {
	var tasks []models.Task

	for _, ep := range p.endpoints {
		for _, exchange := range p.catalog.ExchangeNames() {
			for _, coin := range p.catalog.Exchanges[exchange] {
				if !p.filter.IsCompatible(ep.Name, coin, exchange) {
					continue
				}
				base := endpointPriority(ep.Name) + coinPriority(coin) + exchangePriority(exchange)
				if ep.TimeframeScoped {
					for _, tf := range p.timeframes {
						tasks = append(tasks, models.Task{
							Endpoint:  ep.Name,
							Coin:      coin,
							Exchange:  exchange,
							Timeframe: tf,
							Priority:  base,
						})
					}
				} else {
					tasks = append(tasks, models.Task{
						Endpoint: ep.Name,
						Coin:     coin,
						Exchange: exchange,
						Priority: base,
					})
				}
			}
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].Key() < tasks[j].Key()
	})

	p.logger.WithFields(logrus.Fields{
		"tasks":     len(tasks),
		"exchanges": len(p.catalog.Exchanges),
	}).Info("Planned harvest cycle")

	return tasks
}
