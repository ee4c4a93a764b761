package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"order-exchange/internal/entity"
	"order-exchange/internal/sharding"
)

// OrderStore persists orders together with their line items, offers,
// transactions, state history and fulfillment.
type OrderStore interface {
	Get(ctx context.Context, id string) (*entity.Order, error)
	Create(ctx context.Context, order *entity.Order) error
	// Save writes order if its Version still matches the stored one and bumps
	// Version on success. A stale Version yields entity.ErrConcurrentUpdate.
	Save(ctx context.Context, order *entity.Order) error
}

type OrderRepository struct {
	dbShards []*sql.DB
	router   *sharding.ShardRouter
	now      func() time.Time
}

func NewOrderRepository(dbShards []*sql.DB, router *sharding.ShardRouter) *OrderRepository {
	return &OrderRepository{dbShards: dbShards, router: router, now: time.Now}
}

func (r *OrderRepository) shard(id string) *sql.DB {
	return r.dbShards[r.router.GetShard(id)%len(r.dbShards)]
}

const orderColumns = `id, code, buyer_id, buyer_type, seller_id, seller_type, mode, fulfillment_type, shipping_address, currency_code,
	items_total_cents, shipping_total_cents, tax_total_cents, buyer_total_cents, commission_rate, commission_fee_cents,
	transaction_fee_cents, seller_total_cents, state, state_reason, state_updated_at, state_expires_at, last_approved_at,
	payment_method_id, external_charge_id, last_offer_id, version, created_at, updated_at`

func (r *OrderRepository) Get(ctx context.Context, id string) (*entity.Order, error) {
	db := r.shard(id)

	order := &entity.Order{}
	var (
		buyerID, buyerType, sellerID, sellerType string
		address                                  sql.NullString
		expiresAt                                sql.NullTime
	)
	err := db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id).Scan(
		&order.ID, &order.Code, &buyerID, &buyerType, &sellerID, &sellerType, &order.Mode, &order.FulfillmentType, &address, &order.CurrencyCode,
		&order.ItemsTotalCents, &order.ShippingTotalCents, &order.TaxTotalCents, &order.BuyerTotalCents, &order.CommissionRate, &order.CommissionFeeCents,
		&order.TransactionFeeCents, &order.SellerTotalCents, &order.State, &order.StateReason, &order.StateUpdatedAt, &expiresAt, &order.LastApprovedAt,
		&order.PaymentMethodID, &order.ExternalChargeID, &order.LastOfferID, &order.Version, &order.CreatedAt, &order.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	order.StateExpiresAt = expiresAt.Time

	if order.Buyer, err = entity.NewParty(entity.PartyType(buyerType), buyerID); err != nil {
		return nil, err
	}
	if order.Seller, err = entity.NewParty(entity.PartyType(sellerType), sellerID); err != nil {
		return nil, err
	}
	if address.Valid && address.String != "" {
		order.ShippingAddress = &entity.Address{}
		if err := json.Unmarshal([]byte(address.String), order.ShippingAddress); err != nil {
			return nil, fmt.Errorf("decode shipping address: %w", err)
		}
	}

	if err := r.loadLineItems(ctx, db, order); err != nil {
		return nil, err
	}
	if err := r.loadOffers(ctx, db, order); err != nil {
		return nil, err
	}
	if err := r.loadTransactions(ctx, db, order); err != nil {
		return nil, err
	}
	if err := r.loadStateHistory(ctx, db, order); err != nil {
		return nil, err
	}
	if err := r.loadFulfillment(ctx, db, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (r *OrderRepository) loadLineItems(ctx context.Context, db *sql.DB, order *entity.Order) error {
	rows, err := db.QueryContext(ctx, `SELECT id, artwork_id, artwork_version_id, edition_set_id, list_price_cents, quantity, sales_tax_cents, commission_fee_cents, fulfillment_id
		FROM line_items WHERE order_id = ? ORDER BY position`, order.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		li := entity.LineItem{OrderID: order.ID}
		if err := rows.Scan(&li.ID, &li.CatalogItemID, &li.VersionID, &li.EditionSetID, &li.ListPriceCents, &li.Quantity, &li.SalesTaxCents, &li.CommissionFeeCents, &li.FulfillmentID); err != nil {
			return err
		}
		order.LineItems = append(order.LineItems, li)
	}
	return rows.Err()
}

func (r *OrderRepository) loadOffers(ctx context.Context, db *sql.DB, order *entity.Order) error {
	rows, err := db.QueryContext(ctx, `SELECT id, amount_cents, from_id, from_type, creator_id, responds_to_id, shipping_total_cents, tax_total_cents, note, submitted_at, created_at
		FROM offers WHERE order_id = ? ORDER BY position`, order.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		of := entity.Offer{OrderID: order.ID}
		var fromID, fromType string
		if err := rows.Scan(&of.ID, &of.AmountCents, &fromID, &fromType, &of.CreatorID, &of.RespondsToID, &of.ShippingTotalCents, &of.TaxTotalCents, &of.Note, &of.SubmittedAt, &of.CreatedAt); err != nil {
			return err
		}
		if of.From, err = entity.NewParty(entity.PartyType(fromType), fromID); err != nil {
			return err
		}
		order.Offers = append(order.Offers, of)
	}
	return rows.Err()
}

func (r *OrderRepository) loadTransactions(ctx context.Context, db *sql.DB, order *entity.Order) error {
	rows, err := db.QueryContext(ctx, `SELECT id, transaction_type, external_id, source_id, amount_cents, status, failure_code, failure_message, decline_code, created_at
		FROM transactions WHERE order_id = ? ORDER BY position`, order.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		tx := entity.Transaction{OrderID: order.ID}
		if err := rows.Scan(&tx.ID, &tx.Type, &tx.ExternalID, &tx.SourceID, &tx.AmountCents, &tx.Status, &tx.FailureCode, &tx.FailureMessage, &tx.DeclineCode, &tx.CreatedAt); err != nil {
			return err
		}
		order.Transactions = append(order.Transactions, tx)
	}
	return rows.Err()
}

func (r *OrderRepository) loadStateHistory(ctx context.Context, db *sql.DB, order *entity.Order) error {
	rows, err := db.QueryContext(ctx, `SELECT id, state, reason, created_at FROM state_histories WHERE order_id = ? ORDER BY position`, order.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		h := entity.StateHistory{OrderID: order.ID}
		if err := rows.Scan(&h.ID, &h.State, &h.Reason, &h.CreatedAt); err != nil {
			return err
		}
		order.StateHistory = append(order.StateHistory, h)
	}
	return rows.Err()
}

func (r *OrderRepository) loadFulfillment(ctx context.Context, db *sql.DB, order *entity.Order) error {
	f := &entity.Fulfillment{}
	err := db.QueryRowContext(ctx, `SELECT id, courier, tracking_id, estimated_delivery, notes, created_at FROM fulfillments WHERE order_id = ?`, order.ID).
		Scan(&f.ID, &f.Courier, &f.TrackingID, &f.EstimatedDelivery, &f.Notes, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	order.Fulfillment = f
	return nil
}

func (r *OrderRepository) Create(ctx context.Context, order *entity.Order) error {
	db := r.shard(order.ID)

	// Start a transaction
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	now := r.now().UTC()
	order.CreatedAt, order.UpdatedAt = now, now
	order.Version = 1

	address, err := marshalAddress(order.ShippingAddress)
	if err != nil {
		tx.Rollback()
		return err
	}
	orderQuery := `INSERT INTO orders (` + orderColumns + `) VALUES (` + placeholders(29) + `)`
	_, err = tx.ExecContext(ctx, orderQuery,
		order.ID, order.Code, order.Buyer.PartyID(), order.Buyer.PartyType(), order.Seller.PartyID(), order.Seller.PartyType(), order.Mode, order.FulfillmentType, address, order.CurrencyCode,
		order.ItemsTotalCents, order.ShippingTotalCents, order.TaxTotalCents, order.BuyerTotalCents, order.CommissionRate, order.CommissionFeeCents,
		order.TransactionFeeCents, order.SellerTotalCents, order.State, order.StateReason, order.StateUpdatedAt, nullTime(order.StateExpiresAt), order.LastApprovedAt,
		order.PaymentMethodID, order.ExternalChargeID, order.LastOfferID, order.Version, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		tx.Rollback()
		return err
	}

	if err := writeChildren(ctx, tx, order); err != nil {
		tx.Rollback()
		return err
	}

	// Commit the transaction
	return tx.Commit()
}

func (r *OrderRepository) Save(ctx context.Context, order *entity.Order) error {
	db := r.shard(order.ID)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	address, err := marshalAddress(order.ShippingAddress)
	if err != nil {
		tx.Rollback()
		return err
	}
	updatedAt := r.now().UTC()
	orderQuery := `UPDATE orders SET fulfillment_type = ?, shipping_address = ?, currency_code = ?,
		items_total_cents = ?, shipping_total_cents = ?, tax_total_cents = ?, buyer_total_cents = ?, commission_rate = ?, commission_fee_cents = ?,
		transaction_fee_cents = ?, seller_total_cents = ?, state = ?, state_reason = ?, state_updated_at = ?, state_expires_at = ?, last_approved_at = ?,
		payment_method_id = ?, external_charge_id = ?, last_offer_id = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`
	res, err := tx.ExecContext(ctx, orderQuery,
		order.FulfillmentType, address, order.CurrencyCode,
		order.ItemsTotalCents, order.ShippingTotalCents, order.TaxTotalCents, order.BuyerTotalCents, order.CommissionRate, order.CommissionFeeCents,
		order.TransactionFeeCents, order.SellerTotalCents, order.State, order.StateReason, order.StateUpdatedAt, nullTime(order.StateExpiresAt), order.LastApprovedAt,
		order.PaymentMethodID, order.ExternalChargeID, order.LastOfferID, updatedAt,
		order.ID, order.Version,
	)
	if err != nil {
		tx.Rollback()
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return err
	}
	if n == 0 {
		tx.Rollback()
		return entity.ErrConcurrentUpdate
	}

	if err := writeChildren(ctx, tx, order); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	order.Version++
	order.UpdatedAt = updatedAt
	return nil
}

// writeChildren upserts mutable children and appends immutable ones, each
// table as one batch insert.
func writeChildren(ctx context.Context, tx *sql.Tx, order *entity.Order) error {
	if len(order.LineItems) > 0 {
		var values []interface{}
		for i, li := range order.LineItems {
			values = append(values, li.ID, order.ID, i, li.CatalogItemID, li.VersionID, li.EditionSetID, li.ListPriceCents, li.Quantity, li.SalesTaxCents, li.CommissionFeeCents, li.FulfillmentID)
		}
		query := batchInsert("INSERT INTO line_items (id, order_id, position, artwork_id, artwork_version_id, edition_set_id, list_price_cents, quantity, sales_tax_cents, commission_fee_cents, fulfillment_id)", 11, len(order.LineItems)) +
			` ON DUPLICATE KEY UPDATE sales_tax_cents = VALUES(sales_tax_cents), commission_fee_cents = VALUES(commission_fee_cents), fulfillment_id = VALUES(fulfillment_id)`
		if _, err := tx.ExecContext(ctx, query, values...); err != nil {
			return err
		}
	}

	if len(order.Offers) > 0 {
		var values []interface{}
		for i, of := range order.Offers {
			values = append(values, of.ID, order.ID, i, of.AmountCents, of.From.PartyID(), of.From.PartyType(), of.CreatorID, of.RespondsToID, of.ShippingTotalCents, of.TaxTotalCents, of.Note, of.SubmittedAt, of.CreatedAt)
		}
		query := batchInsert("INSERT INTO offers (id, order_id, position, amount_cents, from_id, from_type, creator_id, responds_to_id, shipping_total_cents, tax_total_cents, note, submitted_at, created_at)", 13, len(order.Offers)) +
			` ON DUPLICATE KEY UPDATE amount_cents = VALUES(amount_cents), shipping_total_cents = VALUES(shipping_total_cents), tax_total_cents = VALUES(tax_total_cents), note = VALUES(note), submitted_at = VALUES(submitted_at)`
		if _, err := tx.ExecContext(ctx, query, values...); err != nil {
			return err
		}
	}

	if len(order.Transactions) > 0 {
		var values []interface{}
		for i, t := range order.Transactions {
			values = append(values, t.ID, order.ID, i, t.Type, t.ExternalID, t.SourceID, t.AmountCents, t.Status, t.FailureCode, t.FailureMessage, t.DeclineCode, t.CreatedAt)
		}
		query := strings.Replace(batchInsert("INSERT INTO transactions (id, order_id, position, transaction_type, external_id, source_id, amount_cents, status, failure_code, failure_message, decline_code, created_at)", 12, len(order.Transactions)), "INSERT", "INSERT IGNORE", 1)
		if _, err := tx.ExecContext(ctx, query, values...); err != nil {
			return err
		}
	}

	if len(order.StateHistory) > 0 {
		var values []interface{}
		for i, h := range order.StateHistory {
			values = append(values, h.ID, order.ID, i, h.State, h.Reason, h.CreatedAt)
		}
		query := strings.Replace(batchInsert("INSERT INTO state_histories (id, order_id, position, state, reason, created_at)", 6, len(order.StateHistory)), "INSERT", "INSERT IGNORE", 1)
		if _, err := tx.ExecContext(ctx, query, values...); err != nil {
			return err
		}
	}

	if f := order.Fulfillment; f != nil {
		query := `INSERT INTO fulfillments (id, order_id, courier, tracking_id, estimated_delivery, notes, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE courier = VALUES(courier), tracking_id = VALUES(tracking_id), estimated_delivery = VALUES(estimated_delivery), notes = VALUES(notes)`
		if _, err := tx.ExecContext(ctx, query, f.ID, order.ID, f.Courier, f.TrackingID, f.EstimatedDelivery, f.Notes, f.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func batchInsert(prefix string, columns, rows int) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(" VALUES ")
	row := "(" + placeholders(columns) + ")"
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(row)
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// nullTime stores the zero time as NULL; states without a deadline have one.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func marshalAddress(a *entity.Address) (sql.NullString, error) {
	if a == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
