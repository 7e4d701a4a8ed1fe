package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prayan/loyalty-engine/referral"
)

// =============================================================================
// USER & REFERRAL STORE (referral.Store interface)
// =============================================================================

var _ referral.Store = (*Store)(nil)

type userRow struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	Email        string         `db:"email"`
	ReferralCode sql.NullString `db:"referral_code"`
	CreatedAt    string         `db:"created_at"`
}

type referralRow struct {
	ID             string         `db:"id"`
	ReferrerID     string         `db:"referrer_id"`
	ReferredUserID string         `db:"referred_user_id"`
	ReferredName   string         `db:"referred_name"`
	ReferredEmail  string         `db:"referred_email"`
	ReferralCode   string         `db:"referral_code"`
	RewardAmount   string         `db:"reward_amount"`
	Status         string         `db:"status"`
	WelcomeCoupon  sql.NullString `db:"welcome_coupon"`
	CreatedAt      string         `db:"created_at"`
	CompletedAt    sql.NullString `db:"completed_at"`
	RewardedAt     sql.NullString `db:"rewarded_at"`
}

const referralColumns = `id, referrer_id, referred_user_id, referred_name, referred_email,
	referral_code, reward_amount, status, welcome_coupon, created_at, completed_at, rewarded_at`

// SaveUser upserts a user. An empty ReferralCode keeps the stored one.
func (s *Store) SaveUser(ctx context.Context, u referral.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (id, name, email, referral_code, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			referral_code = COALESCE(excluded.referral_code, users.referral_code)`),
		u.ID, u.Name, u.Email, nullString(u.ReferralCode), formatTime(u.CreatedAt),
	)
	if isUniqueViolation(err, "referral_code") {
		return referral.ErrCodeTaken
	}
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*referral.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r userRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT id, name, email, referral_code, created_at FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, referral.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u, err := r.toUser()
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM users ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return ids, nil
}

func (s *Store) SetReferralCode(ctx context.Context, userID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE users SET referral_code = ? WHERE id = ?`), code, userID)
	if isUniqueViolation(err, "referral_code") {
		return referral.ErrCodeTaken
	}
	if err != nil {
		return fmt.Errorf("failed to set referral code: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return referral.ErrUserNotFound
	}
	return nil
}

func (s *Store) UserByReferralCode(ctx context.Context, code string) (*referral.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r userRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT id, name, email, referral_code, created_at FROM users WHERE referral_code = ?`), code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, referral.ErrUnknownCode
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up referral code: %w", err)
	}
	u, err := r.toUser()
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) CreateReferral(ctx context.Context, r referral.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO referrals (`+referralColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID,
		r.ReferrerID,
		r.ReferredUserID,
		r.ReferredName,
		r.ReferredEmail,
		r.ReferralCode,
		r.RewardAmount.String(),
		string(r.Status),
		nullString(r.WelcomeCoupon),
		formatTime(r.CreatedAt),
		formatTimePtr(r.CompletedAt),
		formatTimePtr(r.RewardedAt),
	)
	if isUniqueViolation(err, "referred_user_id") {
		return referral.ErrAlreadyReferred
	}
	if err != nil {
		return fmt.Errorf("failed to create referral: %w", err)
	}
	return nil
}

func (s *Store) GetReferralByReferredUser(ctx context.Context, userID string) (*referral.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r referralRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+referralColumns+` FROM referrals WHERE referred_user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, referral.ErrReferralNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get referral: %w", err)
	}
	ref, err := r.toReferral()
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (s *Store) ListReferralsByReferrer(ctx context.Context, referrerID string) ([]referral.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []referralRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+referralColumns+` FROM referrals
		WHERE referrer_id = ?
		ORDER BY created_at ASC`), referrerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list referrals: %w", err)
	}
	out := make([]referral.Referral, 0, len(rows))
	for _, r := range rows {
		ref, err := r.toReferral()
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

// UpdateReferralStatus is a conditional UPDATE on the current status.
func (s *Store) UpdateReferralStatus(ctx context.Context, id string, from, to referral.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	column := "completed_at"
	if to == referral.StatusRewarded {
		column = "rewarded_at"
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE referrals SET status = ?, `+column+` = ?
		WHERE id = ? AND status = ?`),
		string(to), formatTime(at), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update referral: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM referrals WHERE id = ?`), id); err != nil {
		return err
	}
	if count == 0 {
		return referral.ErrReferralNotFound
	}
	return referral.ErrStatusConflict
}

func (r userRow) toUser() (referral.User, error) {
	d := rowDecoder{table: "users", key: r.ID}
	u := referral.User{
		ID:           r.ID,
		Name:         r.Name,
		Email:        r.Email,
		ReferralCode: r.ReferralCode.String,
		CreatedAt:    d.time("created_at", r.CreatedAt),
	}
	return u, d.err
}

func (r referralRow) toReferral() (referral.Referral, error) {
	d := rowDecoder{table: "referrals", key: r.ID}
	ref := referral.Referral{
		ID:             r.ID,
		ReferrerID:     r.ReferrerID,
		ReferredUserID: r.ReferredUserID,
		ReferredName:   r.ReferredName,
		ReferredEmail:  r.ReferredEmail,
		ReferralCode:   r.ReferralCode,
		RewardAmount:   d.decimal("reward_amount", r.RewardAmount),
		Status:         referral.Status(r.Status),
		WelcomeCoupon:  r.WelcomeCoupon.String,
		CreatedAt:      d.time("created_at", r.CreatedAt),
		CompletedAt:    d.timePtr("completed_at", r.CompletedAt),
		RewardedAt:     d.timePtr("rewarded_at", r.RewardedAt),
	}
	return ref, d.err
}
