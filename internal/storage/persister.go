package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fundarb/harvester/internal/database"
	"github.com/fundarb/harvester/internal/models"
)

// Persister upserts fetched payloads into the store: every payload lands
// in raw_metrics, and recognized shapes additionally land in their typed
// table. Upserts never create duplicates and the harvester never
// deletes.
type Persister struct {
	pool   *database.Pool
	logger *logrus.Logger

	countMu   sync.Mutex
	rowCounts map[string]int64

	now func() time.Time
}

func NewPersister(pool *database.Pool, logger *logrus.Logger) *Persister {
	return &Persister{
		pool:      pool,
		logger:    logger,
		rowCounts: make(map[string]int64),
		now:       time.Now,
	}
}

// RowCounts returns the rows upserted per table since process start.
func (p *Persister) RowCounts() map[string]int64 {
	p.countMu.Lock()
	defer p.countMu.Unlock()

	out := make(map[string]int64, len(p.rowCounts))
	for table, n := range p.rowCounts {
		out[table] = n
	}
	return out
}

func (p *Persister) counted(table string, n int64) {
	p.countMu.Lock()
	p.rowCounts[table] += n
	p.countMu.Unlock()
}

// Store persists one payload. The raw upsert always happens; typed
// routing failures are contained per item so a malformed record never
// aborts the remainder of the batch.
func (p *Persister) Store(ctx context.Context, task models.Task, payload *models.RawPayload) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire store connection: %w", err)
	}
	defer p.pool.Release(ctx, conn)

	if err := p.storeRaw(ctx, conn, task, payload); err != nil {
		return err
	}

	p.storeTyped(ctx, conn, task, payload)
	return nil
}

func (p *Persister) storeRaw(ctx context.Context, conn database.Conn, task models.Task, payload *models.RawPayload) error {
	_, err := conn.Exec(ctx,
		`INSERT INTO raw_metrics (endpoint, coin, exchange, timeframe, ts, payload, collected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (endpoint, coin, exchange, timeframe, ts)
		 DO UPDATE SET payload = EXCLUDED.payload, collected_at = EXCLUDED.collected_at`,
		task.Endpoint, task.Coin, task.Exchange, task.Timeframe,
		payload.FetchedAt, []byte(payload.Body), payload.FetchedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert raw payload: %w", err)
	}
	p.counted("raw_metrics", 1)
	return nil
}

// storeTyped routes the payload into its typed table based on the fixed
// endpoint classification. Item-level problems are logged and skipped.
func (p *Persister) storeTyped(ctx context.Context, conn database.Conn, task models.Task, payload *models.RawPayload) {
	now := p.now().UTC()
	var stored, dropped, clamped int
	var err error

	switch models.Classify(task.Endpoint) {
	case models.KindMarket:
		stored, dropped, clamped, err = p.storeMarket(ctx, conn, task, payload.Body, now)
	case models.KindOrderBook:
		stored, dropped, clamped, err = p.storeOrderBook(ctx, conn, task, payload.Body, now)
	case models.KindFunding:
		stored, dropped, clamped, err = p.storeFunding(ctx, conn, task, payload.Body, now)
	case models.KindOpenInterest:
		stored, dropped, clamped, err = p.storeOpenInterest(ctx, conn, task, payload.Body, now)
	case models.KindLiquidation:
		stored, dropped, clamped, err = p.storeLiquidations(ctx, conn, task, payload.Body, now)
	case models.KindTrade:
		stored, dropped, clamped, err = p.storeTrades(ctx, conn, task, payload.Body, now)
	default:
		stored, dropped, clamped, err = p.storeGeneric(ctx, conn, task, payload.Body, now)
	}

	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"task":  task.Key(),
			"error": err.Error(),
		}).Warn("Typed routing failed, raw payload kept")
		return
	}
	if clamped > 0 {
		p.logger.WithFields(logrus.Fields{
			"task":    task.Key(),
			"clamped": clamped,
		}).Warn("Payload timestamps outside sanity window replaced with collection time")
	}
	if dropped > 0 {
		p.logger.WithFields(logrus.Fields{
			"task":    task.Key(),
			"dropped": dropped,
		}).Debug("Dropped records with no meaningful values")
	}
	if stored > 0 {
		p.logger.WithFields(logrus.Fields{
			"task":   task.Key(),
			"stored": stored,
		}).Debug("Routed payload into typed table")
	}
}

func (p *Persister) storeMarket(ctx context.Context, conn database.Conn, task models.Task, body []byte, now time.Time) (stored, dropped, clamped int, err error) {
	var items []models.MarketItem
	if err := json.Unmarshal(body, &items); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to decode market payload: %w", err)
	}

	for _, item := range items {
		open := models.ParseDecimal(item.O)
		high := models.ParseDecimal(item.H)
		low := models.ParseDecimal(item.L)
		closep := models.ParseDecimal(item.C)
		volume := models.ParseDecimal(item.V)
		if open.IsZero() && high.IsZero() && low.IsZero() && closep.IsZero() && volume.IsZero() {
			dropped++
			continue
		}
		ts, ok := models.ParseTimestamp(item.T, now)
		if !ok {
			clamped++
		}
		_, err := conn.Exec(ctx,
			`INSERT INTO market_ohlc (coin, exchange, timeframe, ts, open, high, low, close, volume)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (coin, exchange, timeframe, ts)
			 DO UPDATE SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
			               close = EXCLUDED.close, volume = EXCLUDED.volume`,
			task.Coin, task.Exchange, task.Timeframe, ts, open, high, low, closep, volume)
		if err != nil {
			p.logger.WithError(err).Warn("Failed to upsert OHLC row")
			continue
		}
		stored++
	}
	p.counted("market_ohlc", int64(stored))
	return stored, dropped, clamped, nil
}

func (p *Persister) storeOrderBook(ctx context.Context, conn database.Conn, task models.Task, body []byte, now time.Time) (stored, dropped, clamped int, err error) {
	var items []models.OrderBookItem
	if err := json.Unmarshal(body, &items); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to decode order book payload: %w", err)
	}

	for _, item := range items {
		bidQty := models.ParseDecimal(item.BidQty)
		askQty := models.ParseDecimal(item.AskQty)
		if bidQty.IsZero() && askQty.IsZero() {
			dropped++
			continue
		}
		ts, ok := models.ParseTimestamp(item.T, now)
		if !ok {
			clamped++
		}
		_, err := conn.Exec(ctx,
			`INSERT INTO order_books (coin, exchange, ts, bid_qty, ask_qty)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (coin, exchange, ts)
			 DO UPDATE SET bid_qty = EXCLUDED.bid_qty, ask_qty = EXCLUDED.ask_qty`,
			task.Coin, task.Exchange, ts, bidQty, askQty)
		if err != nil {
			p.logger.WithError(err).Warn("Failed to upsert order book row")
			continue
		}
		stored++
	}
	p.counted("order_books", int64(stored))
	return stored, dropped, clamped, nil
}

func (p *Persister) storeFunding(ctx context.Context, conn database.Conn, task models.Task, body []byte, now time.Time) (stored, dropped, clamped int, err error) {
	var items []models.FundingItem
	if err := json.Unmarshal(body, &items); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to decode funding payload: %w", err)
	}

	for _, item := range items {
		// A zero funding rate is a real observation, never dropped.
		rate := models.ParseDecimal(item.Rate)
		ts, ok := models.ParseTimestamp(item.T, now)
		if !ok {
			clamped++
		}
		var nextFunding *time.Time
		if nft, ok := models.ParseTimestamp(item.NextFundingTime, now); ok {
			nextFunding = &nft
		}
		_, err := conn.Exec(ctx,
			`INSERT INTO funding_rates (coin, exchange, ts, rate, next_funding_time)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (coin, exchange, ts)
			 DO UPDATE SET rate = EXCLUDED.rate, next_funding_time = EXCLUDED.next_funding_time`,
			task.Coin, task.Exchange, ts, rate, nextFunding)
		if err != nil {
			p.logger.WithError(err).Warn("Failed to upsert funding rate row")
			continue
		}
		stored++
	}
	p.counted("funding_rates", int64(stored))
	return stored, dropped, clamped, nil
}

func (p *Persister) storeOpenInterest(ctx context.Context, conn database.Conn, task models.Task, body []byte, now time.Time) (stored, dropped, clamped int, err error) {
	var items []models.OpenInterestItem
	if err := json.Unmarshal(body, &items); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to decode open interest payload: %w", err)
	}

	for _, item := range items {
		value := models.ParseDecimal(item.Value)
		if value.IsZero() {
			dropped++
			continue
		}
		ts, ok := models.ParseTimestamp(item.T, now)
		if !ok {
			clamped++
		}
		_, err := conn.Exec(ctx,
			`INSERT INTO open_interest (coin, exchange, ts, value)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (coin, exchange, ts)
			 DO UPDATE SET value = EXCLUDED.value`,
			task.Coin, task.Exchange, ts, value)
		if err != nil {
			p.logger.WithError(err).Warn("Failed to upsert open interest row")
			continue
		}
		stored++
	}
	p.counted("open_interest", int64(stored))
	return stored, dropped, clamped, nil
}

func (p *Persister) storeLiquidations(ctx context.Context, conn database.Conn, task models.Task, body []byte, now time.Time) (stored, dropped, clamped int, err error) {
	var items []models.LiquidationItem
	if err := json.Unmarshal(body, &items); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to decode liquidation payload: %w", err)
	}

	for _, item := range items {
		longQty := models.ParseDecimal(item.LongQty)
		shortQty := models.ParseDecimal(item.ShortQty)
		if longQty.IsZero() && shortQty.IsZero() {
			dropped++
			continue
		}
		ts, ok := models.ParseTimestamp(item.T, now)
		if !ok {
			clamped++
		}
		_, err := conn.Exec(ctx,
			`INSERT INTO liquidations (coin, exchange, ts, long_qty, short_qty)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (coin, exchange, ts)
			 DO UPDATE SET long_qty = EXCLUDED.long_qty, short_qty = EXCLUDED.short_qty`,
			task.Coin, task.Exchange, ts, longQty, shortQty)
		if err != nil {
			p.logger.WithError(err).Warn("Failed to upsert liquidation row")
			continue
		}
		stored++
	}
	p.counted("liquidations", int64(stored))
	return stored, dropped, clamped, nil
}

func (p *Persister) storeTrades(ctx context.Context, conn database.Conn, task models.Task, body []byte, now time.Time) (stored, dropped, clamped int, err error) {
	var items []models.TradeItem
	if err := json.Unmarshal(body, &items); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to decode trade payload: %w", err)
	}

	for _, item := range items {
		price := models.ParseDecimal(item.Price)
		qty := models.ParseDecimal(item.Qty)
		if price.IsZero() && qty.IsZero() {
			dropped++
			continue
		}
		ts, ok := models.ParseTimestamp(item.T, now)
		if !ok {
			clamped++
		}
		_, err := conn.Exec(ctx,
			`INSERT INTO trades (coin, exchange, ts, price, qty, side)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (coin, exchange, ts)
			 DO UPDATE SET price = EXCLUDED.price, qty = EXCLUDED.qty, side = EXCLUDED.side`,
			task.Coin, task.Exchange, ts, price, qty, item.Side)
		if err != nil {
			p.logger.WithError(err).Warn("Failed to upsert trade row")
			continue
		}
		stored++
	}
	p.counted("trades", int64(stored))
	return stored, dropped, clamped, nil
}

func (p *Persister) storeGeneric(ctx context.Context, conn database.Conn, task models.Task, body []byte, now time.Time) (stored, dropped, clamped int, err error) {
	var items []models.GenericItem
	if err := json.Unmarshal(body, &items); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to decode generic payload: %w", err)
	}

	for _, item := range items {
		value := models.ParseDecimal(item.Value)
		ts, ok := models.ParseTimestamp(item.T, now)
		if !ok {
			clamped++
		}
		_, err := conn.Exec(ctx,
			`INSERT INTO generic_metrics (endpoint, coin, exchange, timeframe, ts, value)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (endpoint, coin, exchange, timeframe, ts)
			 DO UPDATE SET value = EXCLUDED.value`,
			task.Endpoint, task.Coin, task.Exchange, task.Timeframe, ts, value)
		if err != nil {
			p.logger.WithError(err).Warn("Failed to upsert generic metric row")
			continue
		}
		stored++
	}
	p.counted("generic_metrics", int64(stored))
	return stored, dropped, clamped, nil
}
