package store

// Schema SQLite存储完整模式
const Schema = `
-- 被监控URL注册表
CREATE TABLE IF NOT EXISTS monitored_urls (
    id            TEXT PRIMARY KEY,
    url           TEXT NOT NULL UNIQUE,
    domain        TEXT NOT NULL,
    priority      INTEGER NOT NULL DEFAULT 0,
    base_interval INTEGER NOT NULL,
    last_check    INTEGER NOT NULL DEFAULT 0,
    active        INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_urls_active ON monitored_urls(active, domain);

-- 提取策略 (活跃)
CREATE TABLE IF NOT EXISTS strategies (
    id           TEXT PRIMARY KEY,
    domain       TEXT NOT NULL,
    target_field TEXT NOT NULL,
    kind         TEXT NOT NULL,
    data_json    TEXT NOT NULL,
    confidence   REAL NOT NULL,
    priority     INTEGER NOT NULL DEFAULT 0,
    attempts     INTEGER NOT NULL DEFAULT 0,
    successes    INTEGER NOT NULL DEFAULT 0,
    last_success INTEGER,
    sample_urls  TEXT NOT NULL DEFAULT '[]',
    parent_id    TEXT
);
CREATE INDEX IF NOT EXISTS idx_strategies_domain ON strategies(domain, target_field, priority);

-- 退休策略归档 (永不删除, 供后续元分析)
CREATE TABLE IF NOT EXISTS strategies_archive (
    id           TEXT PRIMARY KEY,
    domain       TEXT NOT NULL,
    target_field TEXT NOT NULL,
    kind         TEXT NOT NULL,
    data_json    TEXT NOT NULL,
    confidence   REAL NOT NULL,
    priority     INTEGER NOT NULL,
    attempts     INTEGER NOT NULL,
    successes    INTEGER NOT NULL,
    last_success INTEGER,
    sample_urls  TEXT NOT NULL DEFAULT '[]',
    parent_id    TEXT,
    archived_at  INTEGER NOT NULL
);

-- 价格记录 (写入一次, 永不变更)
CREATE TABLE IF NOT EXISTS price_records (
    url_id             TEXT NOT NULL,
    checked_at         INTEGER NOT NULL,
    price              REAL NOT NULL,
    old_price          REAL,
    pix_price          REAL,
    installments_json  TEXT NOT NULL DEFAULT '[]',
    availability       TEXT NOT NULL,
    availability_text  TEXT NOT NULL DEFAULT '',
    seller             TEXT NOT NULL DEFAULT '',
    promotion_labels   TEXT NOT NULL DEFAULT '[]',
    promotion_end      INTEGER,
    strategy_id        TEXT NOT NULL,
    confidence         REAL NOT NULL,
    PRIMARY KEY (url_id, checked_at)
);
CREATE INDEX IF NOT EXISTS idx_records_url ON price_records(url_id, checked_at DESC);

-- 尝试日志摘要
CREATE TABLE IF NOT EXISTS attempt_logs (
    url_id      TEXT NOT NULL,
    domain      TEXT NOT NULL,
    started_at  INTEGER NOT NULL,
    finished_at INTEGER NOT NULL,
    outcome     TEXT NOT NULL,
    tried       INTEGER NOT NULL DEFAULT 0,
    signals     TEXT NOT NULL DEFAULT '[]',
    PRIMARY KEY (url_id, started_at)
);
CREATE INDEX IF NOT EXISTS idx_attempts_domain ON attempt_logs(domain, finished_at DESC);

-- 域名状态 (cooldown_until跨重启存活)
CREATE TABLE IF NOT EXISTS domain_states (
    domain             TEXT PRIMARY KEY,
    cooldown_until     INTEGER NOT NULL DEFAULT 0,
    consecutive_blocks INTEGER NOT NULL DEFAULT 0,
    last_outcome       TEXT NOT NULL DEFAULT '',
    bucket_tokens      REAL NOT NULL DEFAULT 0,
    bucket_refill      INTEGER NOT NULL DEFAULT 0
);
`
