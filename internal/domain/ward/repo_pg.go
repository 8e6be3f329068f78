package ward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/adt/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const wardCols = `ward_number, name, department, ward_type, bed_count, beds, deleted, version_id, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, w *Ward) error {
	beds, err := json.Marshal(w.Beds)
	if err != nil {
		return fmt.Errorf("encode beds: %w", err)
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO ward (ward_number, name, department, ward_type, bed_count, beds, deleted, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,false,1)
		RETURNING version_id, created_at, updated_at`,
		w.Number, w.Name, w.Department, w.WardType, w.BedCount, beds,
	).Scan(&w.VersionID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, number string) (*Ward, error) {
	w, err := scanWard(r.conn(ctx).QueryRow(ctx, `SELECT `+wardCols+` FROM ward WHERE ward_number = $1`, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func (r *repoPG) List(ctx context.Context, includeDeleted bool, limit, offset int) ([]*Ward, int, error) {
	where := ` WHERE NOT deleted`
	if includeDeleted {
		where = ``
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM ward`+where).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+wardCols+` FROM ward`+where+` ORDER BY ward_number LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	wards, err := collectWards(rows)
	return wards, total, err
}

func (r *repoPG) ListAll(ctx context.Context) ([]*Ward, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+wardCols+` FROM ward ORDER BY ward_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWards(rows)
}

// Save writes the aggregate only if nobody else has written it since it was
// read. Zero affected rows means the version moved on.
func (r *repoPG) Save(ctx context.Context, w *Ward) error {
	beds, err := json.Marshal(w.Beds)
	if err != nil {
		return fmt.Errorf("encode beds: %w", err)
	}
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE ward SET
			name=$3, department=$4, ward_type=$5, bed_count=$6, beds=$7, deleted=$8,
			version_id = version_id + 1, updated_at = NOW()
		WHERE ward_number = $1 AND version_id = $2
		RETURNING version_id, updated_at`,
		w.Number, w.VersionID, w.Name, w.Department, w.WardType, w.BedCount, beds, w.Deleted,
	).Scan(&w.VersionID, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrVersionConflict
	}
	return err
}

func scanWard(row pgx.Row) (*Ward, error) {
	var w Ward
	var beds []byte
	err := row.Scan(&w.Number, &w.Name, &w.Department, &w.WardType, &w.BedCount, &beds,
		&w.Deleted, &w.VersionID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(beds) > 0 {
		if err := json.Unmarshal(beds, &w.Beds); err != nil {
			return nil, fmt.Errorf("decode beds of ward %s: %w", w.Number, err)
		}
	}
	return &w, nil
}

func collectWards(rows pgx.Rows) ([]*Ward, error) {
	var wards []*Ward
	for rows.Next() {
		w, err := scanWard(rows)
		if err != nil {
			return nil, err
		}
		wards = append(wards, w)
	}
	return wards, rows.Err()
}
