package sqlstore

import "context"

// ExecRaw runs a statement directly, for tests that need to plant rows
// the Store API would never write.
func (s *Store) ExecRaw(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return err
}
