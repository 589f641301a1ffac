package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"provision_monitor/internal/model"
)

// AccountTimeLayout 是 /api/accounts 中 time 字段的格式。
const AccountTimeLayout = "2006-01-02 15:04:05"

type AccountRecord struct {
	ID        string
	RunID     string
	Email     string
	Password  string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r AccountRecord) Account() model.Account {
	return model.Account{
		Email:    r.Email,
		Password: r.Password,
		Status:   r.Status,
		Time:     r.CreatedAt.Format(AccountTimeLayout),
	}
}

// InsertAccount 按 email 去重；同一邮箱再次写入时只更新密码和状态。
func (s *Store) InsertAccount(ctx context.Context, rec AccountRecord) (AccountRecord, error) {
	if rec.Email == "" {
		return AccountRecord{}, errors.New("email is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, run_id, email, password, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			password = excluded.password,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, rec.ID, rec.RunID, rec.Email, rec.Password, rec.Status, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		return AccountRecord{}, err
	}
	return s.GetAccountByEmail(ctx, rec.Email)
}

func (s *Store) UpdateAccountStatus(ctx context.Context, email, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET status = ?, updated_at = ? WHERE email = ?`,
		status, time.Now().UnixMilli(), email)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (AccountRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, email, password, status, created_at, updated_at
		FROM accounts WHERE email = ?
	`, email)
	rec, err := scanAccount(row)
	if errors.Is(err, errNoRows) {
		return AccountRecord{}, ErrNotFound
	}
	return rec, err
}

// ListAccounts 按创建时间升序返回全部账号。
func (s *Store) ListAccounts(ctx context.Context) ([]AccountRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, email, password, status, created_at, updated_at
		FROM accounts ORDER BY created_at ASC, email ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]AccountRecord, 0)
	for rows.Next() {
		rec, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) CountAccounts(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM accounts`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (AccountRecord, error) {
	var (
		rec                  AccountRecord
		createdAt, updatedAt int64
	)
	if err := row.Scan(&rec.ID, &rec.RunID, &rec.Email, &rec.Password, &rec.Status, &createdAt, &updatedAt); err != nil {
		return AccountRecord{}, err
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return rec, nil
}
