package service

import (
	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/exactlyonce/internal/domain"
	"github.com/punchamoorthee/exactlyonce/internal/store"
	"github.com/punchamoorthee/exactlyonce/internal/versionguard"
	"gorm.io/gorm"
)

// NewCashoutStore maps domain.Cashout onto the cashouts table.
func NewCashoutStore(q store.Querier) *versionguard.PgStore[domain.Cashout] {
	return versionguard.NewPgStore(q, versionguard.Codec[domain.Cashout]{
		Table: "cashouts",
		Select: []string{
			"id", "user_id", "amount", "currency", "status", "external_ref",
			"fail_reason", "claimed_by", "created_at", "updated_at",
		},
		Columns:   []string{"status", "external_ref", "fail_reason", "claimed_by"},
		TouchedAt: "updated_at",
		Scan: func(row pgx.Row) (domain.Cashout, int64, error) {
			var c domain.Cashout
			err := row.Scan(&c.ID, &c.UserID, &c.Amount, &c.Currency, &c.Status, &c.ExternalRef,
				&c.FailReason, &c.ClaimedBy, &c.CreatedAt, &c.UpdatedAt, &c.Version)
			return c, c.Version, err
		},
		Values: func(c domain.Cashout) []any {
			return []any{string(c.Status), c.ExternalRef, c.FailReason, c.ClaimedBy}
		},
	})
}

// NewEscrowStore serves escrows through gorm.
func NewEscrowStore(db *gorm.DB) *versionguard.GormStore[domain.Escrow, *domain.Escrow] {
	return versionguard.NewGormStore[domain.Escrow](db, "id", func(e domain.Escrow) map[string]any {
		return map[string]any{"status": string(e.Status)}
	})
}
