package storage

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundarb/harvester/internal/database"
	"github.com/fundarb/harvester/internal/models"
)

func newMockPersister(t *testing.T) (pgxmock.PgxConnIface, *Persister) {
	t.Helper()

	mock, err := pgxmock.NewConn()
	require.NoError(t, err)

	dial := func(ctx context.Context) (database.Conn, error) { return mock, nil }
	pool := database.NewPool(context.Background(), 1, time.Second, dial, logrus.New())

	p := NewPersister(pool, logrus.New())
	return mock, p
}

func fundingPayload(task models.Task, fetchedAt time.Time, body string) *models.RawPayload {
	return &models.RawPayload{Task: task, Body: []byte(body), FetchedAt: fetchedAt}
}

func TestStore_FundingRoutesRawAndTyped(t *testing.T) {
	mock, p := newMockPersister(t)
	defer mock.Close(context.Background())

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	task := models.Task{Endpoint: "funding-rate-history", Coin: "BTC", Exchange: "binance"}
	ts := now.Add(-time.Hour).Unix()
	body := `[
		{"t": ` + itoa(ts) + `, "v": "0.0001", "nft": ` + itoa(ts+28800) + `},
		{"t": ` + itoa(ts+3600) + `, "v": "0"}
	]`

	mock.ExpectExec("INSERT INTO raw_metrics").
		WithArgs(task.Endpoint, task.Coin, task.Exchange, task.Timeframe,
			now, []byte(body), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	// Both rows are stored. A zero funding rate is a real observation.
	mock.ExpectExec("INSERT INTO funding_rates").
		WithArgs(task.Coin, task.Exchange, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO funding_rates").
		WithArgs(task.Coin, task.Exchange, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := p.Store(context.Background(), task, fundingPayload(task, now, body))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	counts := p.RowCounts()
	assert.Equal(t, int64(1), counts["raw_metrics"])
	assert.Equal(t, int64(2), counts["funding_rates"])
}

func TestStore_TradeDropsValuelessRecords(t *testing.T) {
	mock, p := newMockPersister(t)
	defer mock.Close(context.Background())

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	task := models.Task{Endpoint: "trade-history", Coin: "ETH", Exchange: "bybit"}
	ts := now.Add(-time.Minute).Unix()
	body := `[
		{"t": ` + itoa(ts) + `, "p": "0", "q": "0", "side": "buy"},
		{"t": ` + itoa(ts+1) + `, "p": "3100.5", "q": "0.25", "side": "sell"}
	]`

	mock.ExpectExec("INSERT INTO raw_metrics").
		WithArgs(task.Endpoint, task.Coin, task.Exchange, task.Timeframe,
			now, []byte(body), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	// Only the second record reaches the trades table.
	mock.ExpectExec("INSERT INTO trades").
		WithArgs(task.Coin, task.Exchange, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "sell").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := p.Store(context.Background(), task, fundingPayload(task, now, body))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, int64(1), p.RowCounts()["trades"])
}

func TestStore_MarketDropsAllZeroCandles(t *testing.T) {
	mock, p := newMockPersister(t)
	defer mock.Close(context.Background())

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	task := models.Task{Endpoint: "ohlcv-history", Coin: "BTC", Exchange: "binance", Timeframe: "1h"}
	ts := now.Add(-time.Hour).Unix()
	body := `[{"t": ` + itoa(ts) + `, "o": "0", "h": "0", "l": "0", "c": "0", "v": "0"}]`

	mock.ExpectExec("INSERT INTO raw_metrics").
		WithArgs(task.Endpoint, task.Coin, task.Exchange, task.Timeframe,
			now, []byte(body), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := p.Store(context.Background(), task, fundingPayload(task, now, body))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet(), "all-zero candle must not reach market_ohlc")

	assert.Equal(t, int64(0), p.RowCounts()["market_ohlc"])
}

func TestStore_ClampedTimestampUsesCollectionTime(t *testing.T) {
	mock, p := newMockPersister(t)
	defer mock.Close(context.Background())

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	task := models.Task{Endpoint: "open-interest-history", Coin: "SOL", Exchange: "okx", Timeframe: "1h"}
	// A unix-millis value mistakenly sent where seconds belong lands far
	// outside the sanity window.
	body := `[{"t": 1700000000000, "v": "12345.6"}]`

	mock.ExpectExec("INSERT INTO raw_metrics").
		WithArgs(task.Endpoint, task.Coin, task.Exchange, task.Timeframe,
			now, []byte(body), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO open_interest").
		WithArgs(task.Coin, task.Exchange, now, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := p.Store(context.Background(), task, fundingPayload(task, now, body))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GenericKeyedByTimeframe(t *testing.T) {
	mock, p := newMockPersister(t)
	defer mock.Close(context.Background())

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	// The same instant harvested at two granularities lands in two rows,
	// not a last-wins overwrite.
	ts := now.Add(-time.Hour).Unix()
	body := `[{"t": ` + itoa(ts) + `, "v": "1.8"}]`

	for _, timeframe := range []string{"1m", "1h"} {
		task := models.Task{Endpoint: "long-short-ratio", Coin: "BTC", Exchange: "binance", Timeframe: timeframe}

		mock.ExpectExec("INSERT INTO raw_metrics").
			WithArgs(task.Endpoint, task.Coin, task.Exchange, timeframe,
				now, []byte(body), now).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec("INSERT INTO generic_metrics").
			WithArgs(task.Endpoint, task.Coin, task.Exchange, timeframe,
				pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, p.Store(context.Background(), task, fundingPayload(task, now, body)))
	}

	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(2), p.RowCounts()["generic_metrics"])
}

func TestStore_TypedDecodeFailureKeepsRaw(t *testing.T) {
	mock, p := newMockPersister(t)
	defer mock.Close(context.Background())

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	task := models.Task{Endpoint: "funding-rate-history", Coin: "BTC", Exchange: "binance"}
	body := `{"unexpected": "object shape"}`

	mock.ExpectExec("INSERT INTO raw_metrics").
		WithArgs(task.Endpoint, task.Coin, task.Exchange, task.Timeframe,
			now, []byte(body), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := p.Store(context.Background(), task, fundingPayload(task, now, body))
	require.NoError(t, err, "typed decode failure must not fail the store")
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, int64(1), p.RowCounts()["raw_metrics"])
	assert.Equal(t, int64(0), p.RowCounts()["funding_rates"])
}

func TestStore_RawUpsertFailureIsAnError(t *testing.T) {
	mock, p := newMockPersister(t)
	defer mock.Close(context.Background())

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	task := models.Task{Endpoint: "funding-rate-history", Coin: "BTC", Exchange: "binance"}

	mock.ExpectExec("INSERT INTO raw_metrics").
		WithArgs(task.Endpoint, task.Coin, task.Exchange, task.Timeframe,
			now, []byte("[]"), now).
		WillReturnError(errors.New("connection refused"))

	err := p.Store(context.Background(), task, fundingPayload(task, now, "[]"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upsert raw payload")
}

func TestStore_RepeatedStoreIsIdempotentUpsert(t *testing.T) {
	mock, p := newMockPersister(t)
	defer mock.Close(context.Background())

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	task := models.Task{Endpoint: "liquidation-history", Coin: "BTC", Exchange: "binance", Timeframe: "5m"}
	ts := now.Add(-10 * time.Minute).Unix()
	body := `[{"t": ` + itoa(ts) + `, "l": "1.5", "s": "0.5"}]`
	payload := fundingPayload(task, now, body)

	for i := 0; i < 2; i++ {
		mock.ExpectExec("INSERT INTO raw_metrics").
			WithArgs(task.Endpoint, task.Coin, task.Exchange, task.Timeframe,
				now, []byte(body), now).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec("INSERT INTO liquidations").
			WithArgs(task.Coin, task.Exchange, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	require.NoError(t, p.Store(context.Background(), task, payload))
	require.NoError(t, p.Store(context.Background(), task, payload))
	require.NoError(t, mock.ExpectationsWereMet())
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
