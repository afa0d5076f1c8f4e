package mysql

import (
	"context"
	"encoding/json"
	"time"

	xerrors "OpenLP-Agent/internal/errors"
	"OpenLP-Agent/internal/transaction"
)

const (
	upsertJournalSQL = `INSERT INTO tx_journal
    (id, agent_id, type, priority, status, attempts, handle, error_code, last_error, payload, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE status = VALUES(status), attempts = VALUES(attempts), handle = VALUES(handle),
    error_code = VALUES(error_code), last_error = VALUES(last_error), updated_at = VALUES(updated_at)`
	listJournalSQL = `SELECT id, agent_id, type, priority, status, attempts, handle, error_code, last_error, payload, created_at, updated_at
    FROM tx_journal WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`
)

// RecordTransaction 按请求 ID 覆盖写入交易的最新状态。
func (s *Store) RecordTransaction(ctx context.Context, r transaction.Request) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化交易参数失败")
	}
	if _, err := s.db.ExecContext(ctx, upsertJournalSQL,
		r.ID,
		r.AgentID,
		string(r.Type),
		r.Priority.String(),
		string(r.Status),
		r.Attempts,
		r.Handle,
		r.ErrorCode,
		r.LastError,
		payload,
		r.CreatedAt.UnixMicro(),
		r.UpdatedAt.UnixMicro(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入交易流水失败")
	}
	return nil
}

// JournalListener 返回可注册到执行器的监听者，每次状态变化写一次流水。
func (s *Store) JournalListener(timeout time.Duration) func(transaction.Request) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(r transaction.Request) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.RecordTransaction(ctx, r)
	}
}

// ListTransactions 返回智能体最近的交易流水，新的在前。
func (s *Store) ListTransactions(ctx context.Context, agentID string, limit int) ([]transaction.Request, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, listJournalSQL, agentID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易流水失败")
	}
	defer rows.Close()

	var out []transaction.Request
	for rows.Next() {
		var (
			r                 transaction.Request
			typ, prio, status string
			payload           []byte
			created, updated  int64
		)
		if err := rows.Scan(&r.ID, &r.AgentID, &typ, &prio, &status, &r.Attempts, &r.Handle, &r.ErrorCode, &r.LastError, &payload, &created, &updated); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易流水失败")
		}
		r.Type = transaction.Type(typ)
		r.Status = transaction.Status(status)
		if err := r.Priority.UnmarshalText([]byte(prio)); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易优先级失败")
		}
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易参数失败")
		}
		r.CreatedAt = time.UnixMicro(created).UTC()
		r.UpdatedAt = time.UnixMicro(updated).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易流水失败")
	}
	return out, nil
}
