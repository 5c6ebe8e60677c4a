package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RecoveryAshes/precotrack/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore 基于SQLite的StrategyStore实现
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite 打开(或创建)SQLite存储并应用模式
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败 [%s]: %w", path, err)
	}

	// WAL模式, 单写多读
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("设置PRAGMA失败: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("应用数据库模式失败: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close 关闭数据库连接
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ListURLs 按过滤条件列出被监控URL
func (s *SQLiteStore) ListURLs(ctx context.Context, filter URLFilter) ([]*models.MonitoredURL, error) {
	query := `SELECT id, url, domain, priority, base_interval, last_check, active FROM monitored_urls WHERE 1=1`
	args := []any{}
	if filter.OnlyActive {
		query += ` AND active=1`
	}
	if filter.Domain != "" {
		query += ` AND domain=?`
		args = append(args, filter.Domain)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var urls []*models.MonitoredURL
	for rows.Next() {
		var u models.MonitoredURL
		var interval, lastCheck int64
		var active int
		if err := rows.Scan(&u.ID, &u.URL, &u.Domain, &u.Priority, &interval, &lastCheck, &active); err != nil {
			return nil, fmt.Errorf("扫描URL记录失败: %w", err)
		}
		u.BaseInterval = time.Duration(interval) * time.Millisecond
		if lastCheck > 0 {
			u.LastCheck = time.UnixMilli(lastCheck)
		}
		u.Active = active == 1
		urls = append(urls, &u)
	}
	return urls, rows.Err()
}

// InsertURL 注册被监控URL
func (s *SQLiteStore) InsertURL(ctx context.Context, u *models.MonitoredURL) error {
	if err := u.Validate(); err != nil {
		return err
	}
	active := 0
	if u.Active {
		active = 1
	}
	var lastCheck int64
	if !u.LastCheck.IsZero() {
		lastCheck = u.LastCheck.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO monitored_urls (id, url, domain, priority, base_interval, last_check, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.URL, u.Domain, u.Priority, u.BaseInterval.Milliseconds(), lastCheck, active)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// UpdateLastCheck CAS更新last_check
// prev不匹配时不更新并返回false (过期写入丢弃)
func (s *SQLiteStore) UpdateLastCheck(ctx context.Context, urlID string, prev, next time.Time) (bool, error) {
	var prevMilli int64
	if !prev.IsZero() {
		prevMilli = prev.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitored_urls SET last_check=? WHERE id=? AND last_check=?`,
		next.UnixMilli(), urlID, prevMilli)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListStrategies 列出域名的活跃策略
func (s *SQLiteStore) ListStrategies(ctx context.Context, domain string) ([]*models.Strategy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, domain, target_field, kind, data_json, confidence, priority,
		        attempts, successes, last_success, sample_urls, parent_id
		 FROM strategies WHERE domain=? ORDER BY target_field, priority, id`, domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var strategies []*models.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, st)
	}
	return strategies, rows.Err()
}

// scanStrategy 从查询行还原策略
func scanStrategy(rows *sql.Rows) (*models.Strategy, error) {
	var st models.Strategy
	var dataJSON, sampleJSON string
	var lastSuccess sql.NullInt64
	var parentID sql.NullString

	if err := rows.Scan(&st.ID, &st.Domain, &st.TargetField, &st.Kind, &dataJSON,
		&st.Confidence, &st.Priority, &st.Attempts, &st.Successes,
		&lastSuccess, &sampleJSON, &parentID); err != nil {
		return nil, fmt.Errorf("扫描策略记录失败: %w", err)
	}
	if err := json.Unmarshal([]byte(dataJSON), &st.Data); err != nil {
		return nil, fmt.Errorf("解析策略数据失败 [%s]: %w", st.ID, err)
	}
	if err := json.Unmarshal([]byte(sampleJSON), &st.SampleURLs); err != nil {
		return nil, fmt.Errorf("解析sample_urls失败 [%s]: %w", st.ID, err)
	}
	if lastSuccess.Valid {
		t := time.UnixMilli(lastSuccess.Int64)
		st.LastSuccess = &t
	}
	if parentID.Valid {
		st.ParentID = parentID.String
	}
	return &st, nil
}

// UpsertStrategies 批量写回域名策略 (单事务)
func (s *SQLiteStore) UpsertStrategies(ctx context.Context, domain string, strategies []*models.Strategy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO strategies (id, domain, target_field, kind, data_json, confidence,
		        priority, attempts, successes, last_success, sample_urls, parent_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		        confidence=excluded.confidence, priority=excluded.priority,
		        attempts=excluded.attempts, successes=excluded.successes,
		        last_success=excluded.last_success, sample_urls=excluded.sample_urls`)
	if err != nil {
		return fmt.Errorf("准备语句失败: %w", err)
	}
	defer stmt.Close()

	for _, st := range strategies {
		dataJSON, err := json.Marshal(st.Data)
		if err != nil {
			return fmt.Errorf("序列化策略数据失败 [%s]: %w", st.ID, err)
		}
		sampleJSON, err := json.Marshal(st.SampleURLs)
		if err != nil {
			return fmt.Errorf("序列化sample_urls失败 [%s]: %w", st.ID, err)
		}
		if st.SampleURLs == nil {
			sampleJSON = []byte("[]")
		}
		var lastSuccess any
		if st.LastSuccess != nil {
			lastSuccess = st.LastSuccess.UnixMilli()
		}
		var parentID any
		if st.ParentID != "" {
			parentID = st.ParentID
		}
		if _, err := stmt.ExecContext(ctx, st.ID, st.Domain, st.TargetField, st.Kind,
			string(dataJSON), st.Confidence, st.Priority, st.Attempts, st.Successes,
			lastSuccess, string(sampleJSON), parentID); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return tx.Commit()
}

// ArchiveStrategy 将策略移入归档表
func (s *SQLiteStore) ArchiveStrategy(ctx context.Context, strategyID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO strategies_archive
		 SELECT id, domain, target_field, kind, data_json, confidence, priority,
		        attempts, successes, last_success, sample_urls, parent_id, ?
		 FROM strategies WHERE id=?`,
		time.Now().UnixMilli(), strategyID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM strategies WHERE id=?`, strategyID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return tx.Commit()
}

// InsertPriceRecord 写入价格记录
func (s *SQLiteStore) InsertPriceRecord(ctx context.Context, r *models.PriceRecord) error {
	if err := r.Validate(); err != nil {
		return err
	}
	installments, err := json.Marshal(r.Installments)
	if err != nil {
		return fmt.Errorf("序列化分期方案失败: %w", err)
	}
	if r.Installments == nil {
		installments = []byte("[]")
	}
	labels, err := json.Marshal(r.PromotionLabels)
	if err != nil {
		return fmt.Errorf("序列化促销标签失败: %w", err)
	}
	if r.PromotionLabels == nil {
		labels = []byte("[]")
	}
	var promotionEnd any
	if r.PromotionEnd != nil {
		promotionEnd = r.PromotionEnd.UnixMilli()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO price_records (url_id, checked_at, price, old_price, pix_price,
		        installments_json, availability, availability_text, seller,
		        promotion_labels, promotion_end, strategy_id, confidence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.URLID, r.CheckedAt.UnixMilli(), r.Price, r.OldPrice, r.PixPrice,
		string(installments), r.Availability, r.AvailabilityText, r.Seller,
		string(labels), promotionEnd, r.StrategyID, r.Confidence)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// InsertAttemptLog 写入尝试日志摘要
// 主键(url_id, started_at)天然去重: 重复事件写入被忽略
func (s *SQLiteStore) InsertAttemptLog(ctx context.Context, a *models.AttemptResult) error {
	signals, err := json.Marshal(a.Signals)
	if err != nil {
		return fmt.Errorf("序列化信号失败: %w", err)
	}
	if a.Signals == nil {
		signals = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO attempt_logs (url_id, domain, started_at, finished_at, outcome, tried, signals)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.URLID, a.Domain, a.StartedAt.UnixMilli(), a.FinishedAt.UnixMilli(),
		a.Outcome, len(a.StrategiesTried), string(signals))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// SaveDomainState 持久化域名状态
func (s *SQLiteStore) SaveDomainState(ctx context.Context, d *models.DomainState) error {
	var cooldown int64
	if !d.CooldownUntil.IsZero() {
		cooldown = d.CooldownUntil.UnixMilli()
	}
	var refill int64
	if !d.Bucket.LastRefill.IsZero() {
		refill = d.Bucket.LastRefill.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO domain_states (domain, cooldown_until, consecutive_blocks, last_outcome, bucket_tokens, bucket_refill)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(domain) DO UPDATE SET
		        cooldown_until=excluded.cooldown_until,
		        consecutive_blocks=excluded.consecutive_blocks,
		        last_outcome=excluded.last_outcome,
		        bucket_tokens=excluded.bucket_tokens,
		        bucket_refill=excluded.bucket_refill`,
		d.Domain, cooldown, d.ConsecutiveBlocks, d.LastOutcome, d.Bucket.Tokens, refill)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// LoadDomainStates 启动时恢复全部域名状态
func (s *SQLiteStore) LoadDomainStates(ctx context.Context) ([]*models.DomainState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT domain, cooldown_until, consecutive_blocks, last_outcome, bucket_tokens, bucket_refill
		 FROM domain_states`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var states []*models.DomainState
	for rows.Next() {
		var d models.DomainState
		var cooldown, refill int64
		if err := rows.Scan(&d.Domain, &cooldown, &d.ConsecutiveBlocks, &d.LastOutcome,
			&d.Bucket.Tokens, &refill); err != nil {
			return nil, fmt.Errorf("扫描域名状态失败: %w", err)
		}
		if cooldown > 0 {
			d.CooldownUntil = time.UnixMilli(cooldown)
		}
		if refill > 0 {
			d.Bucket.LastRefill = time.UnixMilli(refill)
		}
		states = append(states, &d)
	}
	return states, rows.Err()
}
