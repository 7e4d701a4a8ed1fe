package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/prayan/loyalty-engine/coupon"
)

// =============================================================================
// COUPON STORE (coupon.Store interface)
// =============================================================================

var _ coupon.Store = (*Store)(nil)

type couponRow struct {
	Code           string         `db:"code"`
	Type           string         `db:"coupon_type"`
	Value          string         `db:"value"`
	MinOrderAmount string         `db:"min_order_amount"`
	MaxDiscount    sql.NullString `db:"max_discount"`
	ValidFrom      sql.NullString `db:"valid_from"`
	ValidUntil     sql.NullString `db:"valid_until"`
	UsageLimit     int            `db:"usage_limit"`
	UsedCount      int            `db:"used_count"`
	FirstTimeOnly  int            `db:"first_time_only"`
	IsActive       int            `db:"is_active"`
	Description    string         `db:"description"`
	AssignedTo     sql.NullString `db:"assigned_to"`
	CreatedAt      string         `db:"created_at"`
}

const couponColumns = `code, coupon_type, value, min_order_amount, max_discount, valid_from,
	valid_until, usage_limit, used_count, first_time_only, is_active, description,
	assigned_to, created_at`

func (s *Store) GetCoupon(ctx context.Context, code string) (*coupon.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r couponRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+couponColumns+` FROM coupons WHERE code = ?`),
		coupon.NormalizeCode(code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coupon.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get coupon: %w", err)
	}
	c, err := r.toCoupon()
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListCoupons(ctx context.Context) ([]coupon.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []couponRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+couponColumns+` FROM coupons ORDER BY code`); err != nil {
		return nil, fmt.Errorf("failed to list coupons: %w", err)
	}
	out := make([]coupon.Coupon, 0, len(rows))
	for _, r := range rows {
		c, err := r.toCoupon()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) CreateCoupon(ctx context.Context, c coupon.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var maxDiscount sql.NullString
	if c.MaxDiscount != nil {
		maxDiscount = nullString(c.MaxDiscount.String())
	}
	var validFrom, validUntil sql.NullString
	if !c.ValidFrom.IsZero() {
		validFrom = nullString(formatTime(c.ValidFrom))
	}
	if !c.ValidUntil.IsZero() {
		validUntil = nullString(formatTime(c.ValidUntil))
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO coupons (`+couponColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		coupon.NormalizeCode(c.Code),
		string(c.Type),
		c.Value.String(),
		c.MinOrderAmount.String(),
		maxDiscount,
		validFrom,
		validUntil,
		c.UsageLimit,
		c.UsedCount,
		boolInt(c.FirstTimeOnly),
		boolInt(c.IsActive),
		c.Description,
		nullString(c.AssignedTo),
		formatTime(c.CreatedAt),
	)
	if isUniqueViolation(err, "") {
		return coupon.ErrCouponExists
	}
	if err != nil {
		return fmt.Errorf("failed to create coupon: %w", err)
	}
	return nil
}

func (s *Store) DeactivateCoupon(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE coupons SET is_active = 0 WHERE code = ?`),
		coupon.NormalizeCode(code))
	if err != nil {
		return fmt.Errorf("failed to deactivate coupon: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

// =============================================================================
// APPLICATIONS
// =============================================================================

type applicationRow struct {
	ID        string         `db:"id"`
	Code      string         `db:"code"`
	UserID    string         `db:"user_id"`
	OrderID   string         `db:"order_id"`
	Discount  string         `db:"discount"`
	Status    string         `db:"status"`
	CreatedAt string         `db:"created_at"`
	ClosedAt  sql.NullString `db:"closed_at"`
}

const applicationColumns = `id, code, user_id, order_id, discount, status, created_at, closed_at`

// RecordApplication bumps used_count with a conditional UPDATE, so
// concurrent applies cannot pass usage_limit, and stores the application
// in the same transaction.
func (s *Store) RecordApplication(ctx context.Context, a coupon.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	code := coupon.NormalizeCode(a.Code)
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE coupons SET used_count = used_count + 1
		WHERE code = ? AND (usage_limit <= 0 OR used_count < usage_limit)`), code)
	if err != nil {
		return fmt.Errorf("failed to increment coupon usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var count int
		if err := tx.GetContext(ctx, &count, tx.Rebind(`SELECT COUNT(*) FROM coupons WHERE code = ?`), code); err != nil {
			return err
		}
		if count == 0 {
			return coupon.ErrNotFound
		}
		return coupon.ErrUsageLimitReached
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO coupon_applications (`+applicationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID,
		code,
		a.UserID,
		a.OrderID,
		a.Discount.String(),
		string(coupon.ApplicationLive),
		formatTime(a.CreatedAt),
		sql.NullString{},
	)
	if err != nil {
		return fmt.Errorf("failed to record coupon application: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetApplication(ctx context.Context, id string) (*coupon.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getApplication(ctx, s.db, id)
}

func getApplication(ctx context.Context, q sqlx.ExtContext, id string) (*coupon.Application, error) {
	var r applicationRow
	err := sqlx.GetContext(ctx, q, &r, q.Rebind(`SELECT `+applicationColumns+` FROM coupon_applications WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coupon.ErrApplicationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get coupon application: %w", err)
	}
	a, err := r.toApplication()
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CloseApplication moves a live application to status. Releasing gives
// the use back in the same transaction.
func (s *Store) CloseApplication(ctx context.Context, id string, status coupon.ApplicationStatus, at time.Time) (*coupon.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE coupon_applications SET status = ?, closed_at = ?
		WHERE id = ? AND status = ?`),
		string(status), formatTime(at), id, string(coupon.ApplicationLive))
	if err != nil {
		return nil, fmt.Errorf("failed to close coupon application: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getApplication(ctx, tx, id); err != nil {
			return nil, err
		}
		return nil, coupon.ErrApplicationClosed
	}

	a, err := getApplication(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if status == coupon.ApplicationReleased {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE coupons SET used_count = used_count - 1
			WHERE code = ? AND used_count > 0`), a.Code)
		if err != nil {
			return nil, fmt.Errorf("failed to decrement coupon usage: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit coupon release: %w", err)
	}
	return a, nil
}

func (s *Store) FinalizeOrderApplications(ctx context.Context, userID, orderID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE coupon_applications SET status = ?, closed_at = ?
		WHERE user_id = ? AND order_id = ? AND status = ?`),
		string(coupon.ApplicationFinalized), formatTime(at), userID, orderID, string(coupon.ApplicationLive))
	if err != nil {
		return 0, fmt.Errorf("failed to finalize coupon applications: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r applicationRow) toApplication() (coupon.Application, error) {
	d := rowDecoder{table: "coupon_applications", key: r.ID}
	a := coupon.Application{
		ID:        r.ID,
		Code:      r.Code,
		UserID:    r.UserID,
		OrderID:   r.OrderID,
		Discount:  d.decimal("discount", r.Discount),
		Status:    coupon.ApplicationStatus(r.Status),
		CreatedAt: d.time("created_at", r.CreatedAt),
		ClosedAt:  d.timePtr("closed_at", r.ClosedAt),
	}
	return a, d.err
}

func (r couponRow) toCoupon() (coupon.Coupon, error) {
	d := rowDecoder{table: "coupons", key: r.Code}
	c := coupon.Coupon{
		Code:           r.Code,
		Type:           coupon.Type(r.Type),
		Value:          d.decimal("value", r.Value),
		MinOrderAmount: d.decimal("min_order_amount", r.MinOrderAmount),
		MaxDiscount:    d.decimalPtr("max_discount", r.MaxDiscount),
		UsageLimit:     r.UsageLimit,
		UsedCount:      r.UsedCount,
		FirstTimeOnly:  r.FirstTimeOnly != 0,
		IsActive:       r.IsActive != 0,
		Description:    r.Description,
		AssignedTo:     r.AssignedTo.String,
		CreatedAt:      d.time("created_at", r.CreatedAt),
	}
	if t := d.timePtr("valid_from", r.ValidFrom); t != nil {
		c.ValidFrom = *t
	}
	if t := d.timePtr("valid_until", r.ValidUntil); t != nil {
		c.ValidUntil = *t
	}
	return c, d.err
}
