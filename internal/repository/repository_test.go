package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-exchange/internal/entity"
	"order-exchange/internal/sharding"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockRepo(t *testing.T) (*OrderRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewOrderRepository([]*sql.DB{db}, sharding.NewShardRouter(1))
	repo.now = func() time.Time { return fixedNow }
	return repo, mock
}

func sampleOrder() *entity.Order {
	return &entity.Order{
		ID:           "o-1",
		Code:         "B000000001",
		Buyer:        entity.User{ID: "buyer-1"},
		Seller:       entity.Partner{ID: "partner-1"},
		Mode:         entity.ModeBuy,
		CurrencyCode: "USD",
		State:        entity.StatePending,
		LineItems: []entity.LineItem{
			{ID: "li-1", OrderID: "o-1", CatalogItemID: "a-1", VersionID: "v1", ListPriceCents: 420042, Quantity: 1},
		},
		StateHistory: []entity.StateHistory{
			{ID: "h-1", OrderID: "o-1", State: entity.StatePending, CreatedAt: fixedNow},
		},
		Version: 3,
	}
}

func TestOrderRepository_Get(t *testing.T) {
	repo, mock := newMockRepo(t)

	orderRows := sqlmock.NewRows([]string{
		"id", "code", "buyer_id", "buyer_type", "seller_id", "seller_type", "mode", "fulfillment_type", "shipping_address", "currency_code",
		"items_total_cents", "shipping_total_cents", "tax_total_cents", "buyer_total_cents", "commission_rate", "commission_fee_cents",
		"transaction_fee_cents", "seller_total_cents", "state", "state_reason", "state_updated_at", "state_expires_at", "last_approved_at",
		"payment_method_id", "external_charge_id", "last_offer_id", "version", "created_at", "updated_at",
	}).AddRow(
		"o-1", "B000000001", "buyer-1", "user", "partner-1", "partner", "offer", "ship", `{"country":"US","city":"New York"}`, "USD",
		int64(420042), int64(0), nil, int64(420042), "0.8", int64(336034),
		nil, nil, "submitted", "", fixedNow, fixedNow.Add(48*time.Hour), nil,
		"pm_1", "ch_1", "of-2", int64(4), fixedNow, fixedNow,
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE id = ?")).WithArgs("o-1").WillReturnRows(orderRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM line_items WHERE order_id = ?")).WithArgs("o-1").WillReturnRows(
		sqlmock.NewRows([]string{"id", "artwork_id", "artwork_version_id", "edition_set_id", "list_price_cents", "quantity", "sales_tax_cents", "commission_fee_cents", "fulfillment_id"}).
			AddRow("li-1", "a-1", "v1", "", int64(420042), 1, nil, int64(336034), ""),
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM offers WHERE order_id = ?")).WithArgs("o-1").WillReturnRows(
		sqlmock.NewRows([]string{"id", "amount_cents", "from_id", "from_type", "creator_id", "responds_to_id", "shipping_total_cents", "tax_total_cents", "note", "submitted_at", "created_at"}).
			AddRow("of-1", int64(400000), "buyer-1", "user", "buyer-1", "", int64(0), nil, "", fixedNow, fixedNow).
			AddRow("of-2", int64(410000), "partner-1", "partner", "seller-user", "of-1", int64(0), nil, "", fixedNow, fixedNow),
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM transactions WHERE order_id = ?")).WithArgs("o-1").WillReturnRows(
		sqlmock.NewRows([]string{"id", "transaction_type", "external_id", "source_id", "amount_cents", "status", "failure_code", "failure_message", "decline_code", "created_at"}),
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM state_histories WHERE order_id = ?")).WithArgs("o-1").WillReturnRows(
		sqlmock.NewRows([]string{"id", "state", "reason", "created_at"}).
			AddRow("h-1", "pending", "", fixedNow).
			AddRow("h-2", "submitted", "", fixedNow),
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM fulfillments WHERE order_id = ?")).WithArgs("o-1").WillReturnError(sql.ErrNoRows)

	order, err := repo.Get(context.Background(), "o-1")
	require.NoError(t, err)

	assert.Equal(t, entity.User{ID: "buyer-1"}, order.Buyer)
	assert.Equal(t, entity.Partner{ID: "partner-1"}, order.Seller)
	assert.Equal(t, entity.ModeOffer, order.Mode)
	require.NotNil(t, order.ShippingAddress)
	assert.Equal(t, "US", order.ShippingAddress.Country)
	assert.Nil(t, order.TaxTotalCents)
	require.NotNil(t, order.ItemsTotalCents)
	assert.Equal(t, int64(420042), *order.ItemsTotalCents)
	assert.True(t, order.CommissionRate.Valid)
	assert.True(t, order.CommissionRate.Decimal.Equal(decimal.RequireFromString("0.8")))
	assert.Nil(t, order.LastApprovedAt)
	assert.Equal(t, fixedNow.Add(48*time.Hour), order.StateExpiresAt)
	assert.Equal(t, int64(4), order.Version)

	require.Len(t, order.LineItems, 1)
	assert.Equal(t, "o-1", order.LineItems[0].OrderID)
	require.Len(t, order.Offers, 2)
	assert.Equal(t, entity.Partner{ID: "partner-1"}, order.Offers[1].From)
	assert.True(t, order.Offers[1].Submitted())
	assert.Len(t, order.StateHistory, 2)
	assert.Nil(t, order.Fulfillment)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_GetNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE id = ?")).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestOrderRepository_Create(t *testing.T) {
	repo, mock := newMockRepo(t)
	order := sampleOrder()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orders")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO line_items")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO state_histories")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Create(context.Background(), order))
	assert.Equal(t, int64(1), order.Version)
	assert.Equal(t, fixedNow, order.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_SaveBumpsVersion(t *testing.T) {
	repo, mock := newMockRepo(t)
	order := sampleOrder()
	order.Transactions = []entity.Transaction{{ID: "tx-1", Type: entity.TransactionHold, Status: entity.TransactionSuccess, AmountCents: 420042, CreatedAt: fixedNow}}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO line_items")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO transactions")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO state_histories")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Save(context.Background(), order))
	assert.Equal(t, int64(4), order.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type nullArg struct{}

func (nullArg) Match(v driver.Value) bool { return v == nil }

func TestOrderRepository_SaveTerminalStateWritesNullExpiry(t *testing.T) {
	repo, mock := newMockRepo(t)
	order := sampleOrder()
	order.State = entity.StateCanceled
	order.StateReason = entity.ReasonSellerRejected
	order.StateUpdatedAt = fixedNow
	order.StateExpiresAt = time.Time{}

	args := make([]driver.Value, 22)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	args[11] = "canceled"
	args[14] = nullArg{}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET")).WithArgs(args...).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO line_items")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO state_histories")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Save(context.Background(), order))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_SaveStaleVersion(t *testing.T) {
	repo, mock := newMockRepo(t)
	order := sampleOrder()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Save(context.Background(), order)
	assert.ErrorIs(t, err, entity.ErrConcurrentUpdate)
	assert.Equal(t, int64(3), order.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	order := sampleOrder()

	require.NoError(t, store.Create(ctx, order))
	assert.Equal(t, int64(1), order.Version)
	assert.Error(t, store.Create(ctx, order))

	a, err := store.Get(ctx, "o-1")
	require.NoError(t, err)
	b, err := store.Get(ctx, "o-1")
	require.NoError(t, err)

	// copies are independent
	a.LineItems[0].Quantity = 99
	assert.Equal(t, 1, b.LineItems[0].Quantity)

	a.State = entity.StateSubmitted
	require.NoError(t, store.Save(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	b.State = entity.StateAbandoned
	assert.ErrorIs(t, store.Save(ctx, b), entity.ErrConcurrentUpdate)

	got, err := store.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, entity.StateSubmitted, got.State)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestCommissionRates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	rates := NewCommissionRates(db, rdb, decimal.RequireFromString("0.2"))
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT rate FROM commission_rates WHERE partner_id = ?")).WithArgs("partner-1").
		WillReturnRows(sqlmock.NewRows([]string{"rate"}).AddRow("0.8"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT rate FROM commission_rates WHERE partner_id = ?")).WithArgs("partner-2").
		WillReturnError(sql.ErrNoRows)

	rate, err := rates.Rate(ctx, "partner-1")
	require.NoError(t, err)
	assert.Equal(t, "0.8", rate.String())

	// second read is served from redis
	rate, err = rates.Rate(ctx, "partner-1")
	require.NoError(t, err)
	assert.Equal(t, "0.8", rate.String())

	rate, err = rates.Rate(ctx, "partner-2")
	require.NoError(t, err)
	assert.Equal(t, "0.2", rate.String())

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO commission_rates")).WithArgs("partner-1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, rates.SetRate(ctx, "partner-1", decimal.RequireFromString("0.5")))
	assert.False(t, mr.Exists("commission_rate:partner-1"))

	assert.NoError(t, mock.ExpectationsWereMet())
}
