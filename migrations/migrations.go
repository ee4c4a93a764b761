package migrations

import (
	"database/sql"
	"fmt"
	"time"
)

var orderTables = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id VARCHAR(36) PRIMARY KEY,
		code VARCHAR(20) NOT NULL UNIQUE,
		buyer_id VARCHAR(64) NOT NULL,
		buyer_type VARCHAR(16) NOT NULL,
		seller_id VARCHAR(64) NOT NULL,
		seller_type VARCHAR(16) NOT NULL,
		mode VARCHAR(8) NOT NULL,
		fulfillment_type VARCHAR(8) NOT NULL DEFAULT '',
		shipping_address TEXT NULL,
		currency_code CHAR(3) NOT NULL,
		items_total_cents BIGINT NULL,
		shipping_total_cents BIGINT NULL,
		tax_total_cents BIGINT NULL,
		buyer_total_cents BIGINT NULL,
		commission_rate DECIMAL(6,5) NULL,
		commission_fee_cents BIGINT NULL,
		transaction_fee_cents BIGINT NULL,
		seller_total_cents BIGINT NULL,
		state VARCHAR(16) NOT NULL,
		state_reason VARCHAR(32) NOT NULL DEFAULT '',
		state_updated_at DATETIME(6) NOT NULL,
		state_expires_at DATETIME(6) NULL,
		last_approved_at DATETIME(6) NULL,
		payment_method_id VARCHAR(64) NOT NULL DEFAULT '',
		external_charge_id VARCHAR(64) NOT NULL DEFAULT '',
		last_offer_id VARCHAR(36) NOT NULL DEFAULT '',
		version BIGINT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		INDEX idx_orders_buyer (buyer_id),
		INDEX idx_orders_seller (seller_id)
	);`,
	`CREATE TABLE IF NOT EXISTS line_items (
		id VARCHAR(36) PRIMARY KEY,
		order_id VARCHAR(36) NOT NULL,
		position INT NOT NULL,
		artwork_id VARCHAR(64) NOT NULL,
		artwork_version_id VARCHAR(64) NOT NULL,
		edition_set_id VARCHAR(64) NOT NULL DEFAULT '',
		list_price_cents BIGINT NOT NULL,
		quantity INT NOT NULL,
		sales_tax_cents BIGINT NULL,
		commission_fee_cents BIGINT NULL,
		fulfillment_id VARCHAR(36) NOT NULL DEFAULT '',
		FOREIGN KEY (order_id) REFERENCES orders(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS offers (
		id VARCHAR(36) PRIMARY KEY,
		order_id VARCHAR(36) NOT NULL,
		position INT NOT NULL,
		amount_cents BIGINT NOT NULL,
		from_id VARCHAR(64) NOT NULL,
		from_type VARCHAR(16) NOT NULL,
		creator_id VARCHAR(64) NOT NULL,
		responds_to_id VARCHAR(36) NOT NULL DEFAULT '',
		shipping_total_cents BIGINT NULL,
		tax_total_cents BIGINT NULL,
		note TEXT NOT NULL,
		submitted_at DATETIME(6) NULL,
		created_at DATETIME(6) NOT NULL,
		FOREIGN KEY (order_id) REFERENCES orders(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id VARCHAR(36) PRIMARY KEY,
		order_id VARCHAR(36) NOT NULL,
		position INT NOT NULL,
		transaction_type VARCHAR(16) NOT NULL,
		external_id VARCHAR(64) NOT NULL DEFAULT '',
		source_id VARCHAR(64) NOT NULL DEFAULT '',
		amount_cents BIGINT NOT NULL,
		status VARCHAR(16) NOT NULL,
		failure_code VARCHAR(64) NOT NULL DEFAULT '',
		failure_message TEXT NOT NULL,
		decline_code VARCHAR(64) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL,
		FOREIGN KEY (order_id) REFERENCES orders(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS state_histories (
		id VARCHAR(36) PRIMARY KEY,
		order_id VARCHAR(36) NOT NULL,
		position INT NOT NULL,
		state VARCHAR(16) NOT NULL,
		reason VARCHAR(32) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL,
		FOREIGN KEY (order_id) REFERENCES orders(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS fulfillments (
		id VARCHAR(36) PRIMARY KEY,
		order_id VARCHAR(36) NOT NULL UNIQUE,
		courier VARCHAR(64) NOT NULL DEFAULT '',
		tracking_id VARCHAR(128) NOT NULL DEFAULT '',
		estimated_delivery VARCHAR(64) NOT NULL DEFAULT '',
		notes TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		FOREIGN KEY (order_id) REFERENCES orders(id) ON DELETE CASCADE
	);`,
}

const commissionRatesTable = `CREATE TABLE IF NOT EXISTS commission_rates (
	partner_id VARCHAR(64) PRIMARY KEY,
	rate DECIMAL(6,5) NOT NULL
);`

// AutoMigrateOrders creates the order tables on every shard if they do not
// exist.
func AutoMigrateOrders(retries int, dbs ...*sql.DB) error {
	for _, db := range dbs {
		for _, query := range orderTables {
			if err := execWithRetry(db, query, retries); err != nil {
				return err
			}
		}
	}
	return nil
}

// AutoMigrateCommissionRates creates the commission_rates table. It lives on
// a single shard.
func AutoMigrateCommissionRates(retries int, db *sql.DB) error {
	return execWithRetry(db, commissionRatesTable, retries)
}

func execWithRetry(db *sql.DB, query string, retries int) error {
	_, err := db.Exec(query)
	// Retry creating the table
	for i := 0; err != nil && i < retries; i++ {
		time.Sleep(1 * time.Second)
		_, err = db.Exec(query)
	}
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
