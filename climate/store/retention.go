package store

import "context"

// RetentionPolicy decides which readings to drop during housekeeping
type RetentionPolicy interface {
	Apply(ctx context.Context, s *Store) (removed int64, err error)
}

// KeepAll retains every reading
type KeepAll struct{}

func (KeepAll) Apply(context.Context, *Store) (int64, error) { return 0, nil }
