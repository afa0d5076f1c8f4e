package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"

	"OpenLP-Agent/internal/agent"
	xerrors "OpenLP-Agent/internal/errors"
	"OpenLP-Agent/pkg/logger"
)

// Store 是 MySQL 实现的状态存储与交易流水。
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

var _ agent.StateStore = (*Store)(nil)

// Open 建立连接池并执行未应用的迁移。
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := newStore(db)
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newStore(db *sql.DB) *Store {
	return &Store{db: db, log: logger.Named("mysql")}
}

// Close 关闭底层连接池。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB 返回底层连接池，用于导出连接池指标。
func (s *Store) DB() *sql.DB { return s.db }

// Ping 检查连接是否可用。
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "MySQL 不可用")
	}
	return nil
}

const (
	updateStateSQL = `UPDATE agent_states SET state = ?, status = ?, updated_at = ?
    WHERE agent_id = ? AND updated_at <= ?`
	insertStateSQL = `INSERT INTO agent_states (agent_id, state, status, updated_at)
    VALUES (?, ?, ?, ?)`
	selectStateSQL = `SELECT status FROM agent_states WHERE agent_id = ?`
)

// SaveState 写入状态记录。已存储记录的 updated_at 更新时返回 agent.ErrStaleStatus。
func (s *Store) SaveState(ctx context.Context, agentID string, status agent.Status) error {
	body, err := json.Marshal(status)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化智能体状态失败")
	}
	ts := status.UpdatedAt.UnixMicro()

	res, err := s.db.ExecContext(ctx, updateStateSQL, string(status.State), body, ts, agentID, ts)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新智能体状态失败")
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, insertStateSQL, agentID, string(status.State), body, ts); err != nil {
		if isDuplicateKey(err) {
			return agent.ErrStaleStatus
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入智能体状态失败")
	}
	return nil
}

// LoadState 读取状态记录，不存在时返回 agent.ErrStatusNotFound。
func (s *Store) LoadState(ctx context.Context, agentID string) (agent.Status, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, selectStateSQL, agentID).Scan(&body)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return agent.Status{}, agent.ErrStatusNotFound
	case err != nil:
		return agent.Status{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取智能体状态失败")
	}
	var status agent.Status
	if err := json.Unmarshal(body, &status); err != nil {
		return agent.Status{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体状态失败")
	}
	return status, nil
}
