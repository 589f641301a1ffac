package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("sqlite: not found")

var errNoRows = sql.ErrNoRows

const memoryPath = ":memory:"

// 模拟执行器只有一个批次协程写入，HTTP 处理器并发读取账号列表。
// WAL 让读不阻塞写；账号数据丢了可以重跑，synchronous 用 NORMAL 即可。
var pragmas = []string{
	"busy_timeout = 5000",
	"journal_mode = WAL",
	"synchronous = NORMAL",
	"temp_store = MEMORY",
}

// Store 保存模拟执行器产生的账号和批次记录。
type Store struct {
	db   *sql.DB
	path string
}

func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = memoryPath
	}
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// 单连接：写入串行化，:memory: 也不会因为多连接各自建库
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	for _, p := range pragmas {
		if path == memoryPath && p == "journal_mode = WAL" {
			continue
		}
		if _, err := db.ExecContext(ctx, "PRAGMA "+p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite pragma %s: %w", p, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
