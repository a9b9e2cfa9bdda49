package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/gaoyangz77/easyclaw/internal/logger"
)

// Binding 外部用户 → 网关的归属关系，同一用户同时只有一个归属
type Binding struct {
	Platform   string
	CustomerID string
	GatewayID  string
	CreatedAt  time.Time
}

// BindingStore 绑定与待确认配对 token 的持久化存储。
// 配对状态必须在中继重启后仍然有效，所以落在 sqlite 而不是内存。
type BindingStore struct {
	db         *sql.DB
	pendingTTL time.Duration
	now        func() time.Time // 注入时钟，便于测试过期逻辑
}

const bindingSchema = `
CREATE TABLE IF NOT EXISTS bindings (
	platform    TEXT NOT NULL,
	customer_id TEXT NOT NULL,
	gateway_id  TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	PRIMARY KEY (platform, customer_id)
);
CREATE INDEX IF NOT EXISTS idx_bindings_gateway ON bindings(gateway_id);

CREATE TABLE IF NOT EXISTS pending_bindings (
	token      TEXT NOT NULL,
	gateway_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_token ON pending_bindings(token);
`

// NewBindingStore 打开（必要时创建）绑定库
func NewBindingStore(path string, pendingTTL time.Duration) (*BindingStore, error) {
	if pendingTTL <= 0 {
		pendingTTL = 10 * time.Minute
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create binding db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open binding db: %w", err)
	}
	// sqlite 单写者；串行化访问避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(bindingSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create binding schema: %w", err)
	}

	return &BindingStore{
		db:         db,
		pendingTTL: pendingTTL,
		now:        time.Now,
	}, nil
}

// Close 关闭底层数据库
func (s *BindingStore) Close() error {
	return s.db.Close()
}

// CreatePendingBinding 记录一条待确认配对。token 为短随机十六进制，
// 有效期内撞车概率可忽略，这里不做唯一性约束。
func (s *BindingStore) CreatePendingBinding(ctx context.Context, token, gatewayID string) error {
	now := s.now().UTC()
	s.sweepExpired(ctx, now)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_bindings (token, gateway_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		token, gatewayID,
		now.Format(time.RFC3339),
		now.Add(s.pendingTTL).Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting pending binding: %w", err)
	}

	logger.Debug("created pending binding",
		zap.String("token", token),
		zap.String("gateway_id", gatewayID))
	return nil
}

// ResolvePendingBinding 原子地查找并删除配对 token。
// 返回持有该 token 的 gateway_id；token 不存在、已过期或已被消费时返回空串。
func (s *BindingStore) ResolvePendingBinding(ctx context.Context, key string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning resolve tx: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	var gatewayID, expiresAt string
	err = tx.QueryRowContext(ctx,
		`SELECT gateway_id, expires_at FROM pending_bindings WHERE token = ? ORDER BY created_at DESC LIMIT 1`,
		key,
	).Scan(&gatewayID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying pending binding: %w", err)
	}

	// 无论是否过期都消费掉，重复提交同一 token 一律落空
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_bindings WHERE token = ?`, key); err != nil {
		return "", fmt.Errorf("deleting pending binding: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing resolve tx: %w", err)
	}

	exp, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil || !s.now().UTC().Before(exp) {
		logger.Debug("pending binding expired", zap.String("token", key))
		return "", nil
	}
	return gatewayID, nil
}

// sweepExpired 顺手清理已过期的待确认配对（RFC3339 字符串比较即时间比较）
func (s *BindingStore) sweepExpired(ctx context.Context, now time.Time) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_bindings WHERE expires_at <= ?`, now.Format(time.RFC3339))
	if err != nil {
		logger.Warn("failed to sweep expired pending bindings", zap.Error(err))
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Debug("swept expired pending bindings", zap.Int64("count", n))
	}
}

// Bind 建立（或改写）用户归属，返回改写前的归属网关（无则空串）。
// 调用方比较返回值判断是否为接管（takeover）。
func (s *BindingStore) Bind(ctx context.Context, platform, customerID, gatewayID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning bind tx: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	var previous string
	err = tx.QueryRowContext(ctx,
		`SELECT gateway_id FROM bindings WHERE platform = ? AND customer_id = ?`,
		platform, customerID,
	).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("querying prior binding: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bindings (platform, customer_id, gateway_id, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(platform, customer_id) DO UPDATE SET gateway_id = excluded.gateway_id, created_at = excluded.created_at`,
		platform, customerID, gatewayID, s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("upserting binding: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing bind tx: %w", err)
	}

	logger.Info("binding established",
		zap.String("platform", platform),
		zap.String("customer_id", customerID),
		zap.String("gateway_id", gatewayID),
		zap.String("previous", previous))
	return previous, nil
}

// Lookup 返回用户当前归属的网关 id，无绑定时返回空串
func (s *BindingStore) Lookup(ctx context.Context, platform, customerID string) (string, error) {
	var gatewayID string
	err := s.db.QueryRowContext(ctx,
		`SELECT gateway_id FROM bindings WHERE platform = ? AND customer_id = ?`,
		platform, customerID,
	).Scan(&gatewayID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up binding: %w", err)
	}
	return gatewayID, nil
}

// ListByGateway 返回归属该网关的全部绑定（重连回放与解绑时使用）
func (s *BindingStore) ListByGateway(ctx context.Context, gatewayID string) ([]Binding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT platform, customer_id, gateway_id, created_at FROM bindings WHERE gateway_id = ? ORDER BY created_at`,
		gatewayID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing bindings: %w", err)
	}
	defer rows.Close() // nolint:errcheck

	var bindings []Binding
	for rows.Next() {
		var b Binding
		var createdAt string
		if err := rows.Scan(&b.Platform, &b.CustomerID, &b.GatewayID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning binding row: %w", err)
		}
		b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating binding rows: %w", err)
	}
	return bindings, nil
}

// UnbindByGateway 删除该网关的全部绑定，返回删除条数
func (s *BindingStore) UnbindByGateway(ctx context.Context, gatewayID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE gateway_id = ?`, gatewayID)
	if err != nil {
		return 0, fmt.Errorf("unbinding gateway: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		logger.Info("unbound gateway", zap.String("gateway_id", gatewayID), zap.Int64("count", n))
	}
	return n, nil
}
