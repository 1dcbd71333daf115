package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmake/infergate/internal/domain"
)

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		if i >= len(r.vals) {
			break
		}
		if sp, ok := d.(*string); ok {
			*sp = r.vals[i].(string)
		}
	}
	return nil
}

type rowPool struct {
	fakePool
	row fakeRow
}

func (p *rowPool) QueryRow(context.Context, string, ...any) pgx.Row { return p.row }

func TestUserLookup(t *testing.T) {
	t.Parallel()
	repo := NewUserRepo(&rowPool{row: fakeRow{vals: []any{"user", "pro"}}})

	p, err := repo.Lookup(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, p.UserID)
	assert.Equal(t, int64(42), *p.UserID)
	assert.Equal(t, domain.RoleUser, p.Role)
	assert.Equal(t, domain.TierPro, p.Tier)
}

func TestUserLookup_NotFound(t *testing.T) {
	t.Parallel()
	repo := NewUserRepo(&rowPool{row: fakeRow{err: pgx.ErrNoRows}})

	_, err := repo.Lookup(context.Background(), 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
