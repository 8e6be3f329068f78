package ward

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("ward not found")
	ErrDuplicate       = errors.New("ward number already exists")
	ErrVersionConflict = errors.New("ward was modified concurrently")
)

// Repository persists whole Ward aggregates. Save must only succeed when
// the stored VersionID still equals w.VersionID, and bumps it on success.
type Repository interface {
	Create(ctx context.Context, w *Ward) error
	Get(ctx context.Context, number string) (*Ward, error)
	List(ctx context.Context, includeDeleted bool, limit, offset int) ([]*Ward, int, error)
	ListAll(ctx context.Context) ([]*Ward, error)
	Save(ctx context.Context, w *Ward) error
}
