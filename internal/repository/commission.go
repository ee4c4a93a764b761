package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const commissionCacheTTL = 10 * time.Minute

// CommissionRates resolves the commission rate of a seller. Rows live on the
// first shard; redis caches hits and misses.
type CommissionRates struct {
	db          *sql.DB
	rdb         *redis.Client
	defaultRate decimal.Decimal
}

func NewCommissionRates(db *sql.DB, rdb *redis.Client, defaultRate decimal.Decimal) *CommissionRates {
	return &CommissionRates{db: db, rdb: rdb, defaultRate: defaultRate}
}

// Rate returns the seller's configured rate, or the default when the seller
// has none.
func (c *CommissionRates) Rate(ctx context.Context, sellerID string) (decimal.Decimal, error) {
	cacheKey := fmt.Sprintf("commission_rate:%s", sellerID)
	cached, err := c.rdb.Get(ctx, cacheKey).Result()
	switch {
	case err == nil:
		if rate, perr := decimal.NewFromString(cached); perr == nil {
			return rate, nil
		}
		log.Warn().Str("seller_id", sellerID).Str("value", cached).Msg("ignoring malformed cached commission rate")
	case !errors.Is(err, redis.Nil):
		// fall through to the database
		log.Warn().Err(err).Str("seller_id", sellerID).Msg("commission rate cache unavailable")
	}

	var rate decimal.Decimal
	err = c.db.QueryRowContext(ctx, `SELECT rate FROM commission_rates WHERE partner_id = ?`, sellerID).Scan(&rate)
	if errors.Is(err, sql.ErrNoRows) {
		rate = c.defaultRate
	} else if err != nil {
		return decimal.Decimal{}, fmt.Errorf("could not fetch commission rate: %w", err)
	}

	if err := c.rdb.Set(ctx, cacheKey, rate.String(), commissionCacheTTL).Err(); err != nil {
		log.Warn().Err(err).Str("seller_id", sellerID).Msg("could not cache commission rate")
	}
	return rate, nil
}

// SetRate upserts a seller's rate and drops the cached value.
func (c *CommissionRates) SetRate(ctx context.Context, sellerID string, rate decimal.Decimal) error {
	_, err := c.db.ExecContext(ctx, `INSERT INTO commission_rates (partner_id, rate) VALUES (?, ?) ON DUPLICATE KEY UPDATE rate = VALUES(rate)`, sellerID, rate)
	if err != nil {
		return err
	}
	return c.rdb.Del(ctx, fmt.Sprintf("commission_rate:%s", sellerID)).Err()
}
