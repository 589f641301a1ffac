package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type RunRecord struct {
	ID         string
	Requested  int
	Success    int
	Fail       int
	StartedAt  time.Time
	FinishedAt time.Time
}

func (s *Store) CreateRun(ctx context.Context, requested int) (RunRecord, error) {
	rec := RunRecord{ID: uuid.NewString(), Requested: requested, StartedAt: time.Now()}
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs (id, requested, started_at) VALUES (?, ?, ?)`,
		rec.ID, rec.Requested, rec.StartedAt.UnixMilli())
	if err != nil {
		return RunRecord{}, err
	}
	return rec, nil
}

func (s *Store) FinishRun(ctx context.Context, id string, success, fail int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET success = ?, fail = ?, finished_at = ? WHERE id = ?`,
		success, fail, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// LatestRun 返回最近一次启动的任务；没有记录时 ok 为 false。
func (s *Store) LatestRun(ctx context.Context) (RunRecord, bool, error) {
	var (
		rec                 RunRecord
		started, finished int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, requested, success, fail, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT 1
	`).Scan(&rec.ID, &rec.Requested, &rec.Success, &rec.Fail, &started, &finished)
	if errors.Is(err, errNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	rec.StartedAt = time.UnixMilli(started)
	if finished > 0 {
		rec.FinishedAt = time.UnixMilli(finished)
	}
	return rec, true, nil
}
