package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openmake/infergate/internal/domain"
)

// UserRepo implements domain.UserDirectory on Postgres. Token claims carry a
// role and tier snapshot from issue time; the directory row is authoritative.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// Lookup loads the current role and tier for a user id.
func (r *UserRepo) Lookup(ctx context.Context, userID int64) (domain.Principal, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Lookup")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "users"),
	)

	var role, tier string
	q := `SELECT role, tier FROM users WHERE id=$1`
	if err := r.Pool.QueryRow(ctx, q, userID).Scan(&role, &tier); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Principal{}, fmt.Errorf("op=users.lookup: %w", domain.ErrNotFound)
		}
		return domain.Principal{}, fmt.Errorf("op=users.lookup: %w", err)
	}
	return domain.Principal{UserID: &userID, Role: domain.Role(role), Tier: domain.Tier(tier)}, nil
}
