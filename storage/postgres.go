package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vicente-simoes/polymarket-copybot-sub000/models"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore wraps PostgreSQL persistence with Redis caching for hot reads
// (latest quotes, token mappings).
type PostgresStore struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

// NewPostgres creates a PostgreSQL store with connection pooling and a Redis
// cache. connStr and redisAddr may be empty; env vars fill the gaps.
func NewPostgres(connStr, redisAddr string) (*PostgresStore, error) {
	if connStr == "" {
		host := getEnv("POSTGRES_HOST", "localhost")
		port := getEnv("POSTGRES_PORT", "5432")
		user := getEnv("POSTGRES_USER", "copybot")
		password := getEnv("POSTGRES_PASSWORD", "copybot123")
		dbname := getEnv("POSTGRES_DB", "copybot")
		connStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, password, host, port, dbname)
	}

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	// Keep slow queries and stuck locks from hanging a poll cycle.
	config.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	config.ConnConfig.RuntimeParams["lock_timeout"] = "10000"

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if redisAddr == "" {
		redisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           0,
		PoolSize:     50,
		MinIdleConns: 5,
		MaxRetries:   3,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	s := &PostgresStore{pool: pool, redis: rdb}
	if err := s.runMigrations(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Close releases database connections.
func (s *PostgresStore) Close() error {
	if s.redis != nil {
		s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS leaders (
			id BIGSERIAL PRIMARY KEY,
			wallet TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			ratio DOUBLE PRECISION,
			max_trade_usdc DOUBLE PRECISION,
			max_daily_usdc DOUBLE PRECISION,
			max_event_usdc DOUBLE PRECISION,
			skip_maker_fills BOOLEAN,
			cursor_ts TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS leader_fills (
			id BIGSERIAL PRIMARY KEY,
			dedupe_key TEXT NOT NULL UNIQUE,
			source TEXT NOT NULL,
			leader_wallet TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'UNKNOWN',
			tx_hash TEXT NOT NULL DEFAULT '',
			token_id TEXT NOT NULL DEFAULT '',
			condition_id TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			event_slug TEXT NOT NULL DEFAULT '',
			side TEXT NOT NULL,
			price DOUBLE PRECISION NOT NULL DEFAULT 0,
			size DOUBLE PRECISION NOT NULL DEFAULT 0,
			usdc_size DOUBLE PRECISION NOT NULL DEFAULT 0,
			fill_ts TIMESTAMPTZ NOT NULL,
			detected_at TIMESTAMPTZ NOT NULL,
			is_backfill BOOLEAN NOT NULL DEFAULT FALSE,
			inserted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_leader_fills_wallet_ts ON leader_fills (leader_wallet, fill_ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_leader_fills_tx ON leader_fills (leader_wallet, tx_hash, source)`,
		`CREATE TABLE IF NOT EXISTS latency_events (
			dedupe_key TEXT NOT NULL,
			source TEXT NOT NULL,
			detected_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (dedupe_key, source)
		)`,
		`CREATE TABLE IF NOT EXISTS market_mappings (
			condition_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			token_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (condition_id, outcome)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_market_mappings_token ON market_mappings (token_id)`,
		`CREATE TABLE IF NOT EXISTS quotes (
			id BIGSERIAL PRIMARY KEY,
			market_key TEXT NOT NULL,
			token_id TEXT NOT NULL DEFAULT '',
			best_bid DOUBLE PRECISION NOT NULL,
			best_ask DOUBLE PRECISION NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quotes_market_ts ON quotes (market_key, captured_at DESC)`,
		`CREATE TABLE IF NOT EXISTS leader_positions (
			leader_wallet TEXT NOT NULL,
			condition_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			shares DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (leader_wallet, condition_id, outcome)
		)`,
		`CREATE TABLE IF NOT EXISTS paper_intents (
			id BIGSERIAL PRIMARY KEY,
			fill_id BIGINT NOT NULL,
			dedupe_key TEXT NOT NULL UNIQUE,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL,
			side TEXT NOT NULL,
			target_usdc DOUBLE PRECISION NOT NULL DEFAULT 0,
			target_shares DOUBLE PRECISION NOT NULL DEFAULT 0,
			limit_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS paper_positions (
			condition_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			token_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			shares DOUBLE PRECISION NOT NULL DEFAULT 0,
			cost_basis_usdc DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			open BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (condition_id, outcome)
		)`,
		`CREATE TABLE IF NOT EXISTS execution_attempts (
			id TEXT PRIMARY KEY,
			intent_id BIGINT NOT NULL,
			token_id TEXT NOT NULL DEFAULT '',
			condition_id TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			side TEXT NOT NULL,
			target_shares DOUBLE PRECISION NOT NULL,
			limit_price DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			filled_shares DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_fill_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			ttl_ms BIGINT NOT NULL DEFAULT 0,
			submitted_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS execution_fills (
			id BIGSERIAL PRIMARY KEY,
			attempt_id TEXT NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			shares DOUBLE PRECISION NOT NULL,
			usdc DOUBLE PRECISION NOT NULL,
			filled_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_fills_attempt ON execution_fills (attempt_id)`,
		`CREATE TABLE IF NOT EXISTS resolutions (
			id BIGSERIAL PRIMARY KEY,
			condition_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			kind TEXT NOT NULL,
			resolution_price DOUBLE PRECISION NOT NULL,
			shares DOUBLE PRECISION NOT NULL,
			cost_basis DOUBLE PRECISION NOT NULL,
			realized_pnl DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS risk_state (
			day TEXT PRIMARY KEY,
			daily_spent_usdc DOUBLE PRECISION NOT NULL DEFAULT 0,
			open_positions INT NOT NULL DEFAULT 0,
			event_spend JSONB NOT NULL DEFAULT '{}',
			quote_fresh BOOLEAN NOT NULL DEFAULT TRUE,
			chain_fresh BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS leases (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			renewed_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for i, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migration %d: %w", i, err)
		}
	}
	return nil
}

// --- Leaders ---

func (s *PostgresStore) CreateLeader(ctx context.Context, leader models.Leader) (*models.Leader, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO leaders (wallet, name, enabled, ratio, max_trade_usdc, max_daily_usdc, max_event_usdc, skip_maker_fills, cursor_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`,
		leader.Wallet, leader.Name, leader.Enabled,
		leader.Overrides.Ratio, leader.Overrides.MaxTradeUsdc, leader.Overrides.MaxDailyUsdc,
		leader.Overrides.MaxEventUsdc, leader.Overrides.SkipMakerFills, leader.CursorTs)
	if err := row.Scan(&leader.ID, &leader.CreatedAt, &leader.UpdatedAt); err != nil {
		return nil, fmt.Errorf("create leader: %w", err)
	}
	return &leader, nil
}

func (s *PostgresStore) UpdateLeader(ctx context.Context, leader models.Leader) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE leaders SET name=$2, enabled=$3, ratio=$4, max_trade_usdc=$5,
			max_daily_usdc=$6, max_event_usdc=$7, skip_maker_fills=$8, updated_at=NOW()
		WHERE wallet=$1`,
		leader.Wallet, leader.Name, leader.Enabled,
		leader.Overrides.Ratio, leader.Overrides.MaxTradeUsdc, leader.Overrides.MaxDailyUsdc,
		leader.Overrides.MaxEventUsdc, leader.Overrides.SkipMakerFills)
	return err
}

func (s *PostgresStore) DeleteLeader(ctx context.Context, wallet string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM leaders WHERE wallet=$1`, wallet)
	return err
}

func (s *PostgresStore) GetLeader(ctx context.Context, wallet string) (*models.Leader, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, wallet, name, enabled, ratio, max_trade_usdc, max_daily_usdc,
			max_event_usdc, skip_maker_fills, cursor_ts, created_at, updated_at
		FROM leaders WHERE wallet=$1`, wallet)
	return scanLeader(row)
}

func (s *PostgresStore) ListLeaders(ctx context.Context, enabledOnly bool) ([]models.Leader, error) {
	q := `SELECT id, wallet, name, enabled, ratio, max_trade_usdc, max_daily_usdc,
		max_event_usdc, skip_maker_fills, cursor_ts, created_at, updated_at
		FROM leaders`
	if enabledOnly {
		q += ` WHERE enabled`
	}
	q += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leaders []models.Leader
	for rows.Next() {
		l, err := scanLeader(rows)
		if err != nil {
			return nil, err
		}
		leaders = append(leaders, *l)
	}
	return leaders, rows.Err()
}

func (s *PostgresStore) UpdateLeaderCursor(ctx context.Context, wallet string, cursor time.Time) error {
	// The cursor is a watermark; never move it backwards.
	_, err := s.pool.Exec(ctx, `
		UPDATE leaders SET cursor_ts=$2, updated_at=NOW()
		WHERE wallet=$1 AND cursor_ts < $2`, wallet, cursor)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLeader(row rowScanner) (*models.Leader, error) {
	var l models.Leader
	err := row.Scan(&l.ID, &l.Wallet, &l.Name, &l.Enabled,
		&l.Overrides.Ratio, &l.Overrides.MaxTradeUsdc, &l.Overrides.MaxDailyUsdc,
		&l.Overrides.MaxEventUsdc, &l.Overrides.SkipMakerFills,
		&l.CursorTs, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}

// --- Fills ---

func (s *PostgresStore) InsertFill(ctx context.Context, fill models.LeaderFill) (int64, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO leader_fills (
			dedupe_key, source, leader_wallet, role, tx_hash, token_id, condition_id,
			outcome, title, event_slug, side, price, size, usdc_size, fill_ts,
			detected_at, is_backfill
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING id`,
		fill.DedupeKey, fill.Source, fill.LeaderWallet, fill.Role, fill.TxHash,
		fill.TokenID, fill.ConditionID, fill.Outcome, fill.Title, fill.EventSlug,
		fill.Side, fill.Price, fill.Size, fill.UsdcSize, fill.FillTs,
		fill.DetectedAt, fill.IsBackfill)

	var id int64
	err := row.Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("insert fill: %w", err)
	}

	// Conflict: the row already exists, fetch its id. A race between the two
	// ingestion paths lands here and is treated as an ordinary duplicate.
	if err := s.pool.QueryRow(ctx,
		`SELECT id FROM leader_fills WHERE dedupe_key=$1`, fill.DedupeKey).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("lookup duplicate fill: %w", err)
	}
	return id, false, nil
}

func (s *PostgresStore) GetFillByDedupeKey(ctx context.Context, key string) (*models.LeaderFill, error) {
	row := s.pool.QueryRow(ctx, fillSelect+` WHERE dedupe_key=$1`, key)
	f, err := scanFill(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

func (s *PostgresStore) HasAPIFillForTx(ctx context.Context, wallet, txHash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM leader_fills
			WHERE leader_wallet=$1 AND tx_hash=$2 AND source='api'
		)`, wallet, txHash).Scan(&exists)
	return exists, err
}

const fillSelect = `SELECT id, dedupe_key, source, leader_wallet, role, tx_hash,
	token_id, condition_id, outcome, title, event_slug, side, price, size,
	usdc_size, fill_ts, detected_at, is_backfill, inserted_at FROM leader_fills`

func scanFill(row rowScanner) (*models.LeaderFill, error) {
	var f models.LeaderFill
	err := row.Scan(&f.ID, &f.DedupeKey, &f.Source, &f.LeaderWallet, &f.Role,
		&f.TxHash, &f.TokenID, &f.ConditionID, &f.Outcome, &f.Title, &f.EventSlug,
		&f.Side, &f.Price, &f.Size, &f.UsdcSize, &f.FillTs, &f.DetectedAt,
		&f.IsBackfill, &f.InsertedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *PostgresStore) ListFills(ctx context.Context, wallet string, limit int) ([]models.LeaderFill, error) {
	if limit <= 0 {
		limit = 100
	}
	q := fillSelect
	args := []any{}
	if wallet != "" {
		q += ` WHERE leader_wallet=$1 ORDER BY fill_ts DESC LIMIT $2`
		args = append(args, wallet, limit)
	} else {
		q += ` ORDER BY fill_ts DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []models.LeaderFill
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, err
		}
		fills = append(fills, *f)
	}
	return fills, rows.Err()
}

// --- Latency events ---

func (s *PostgresStore) InsertLatencyEvent(ctx context.Context, ev models.LatencyEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO latency_events (dedupe_key, source, detected_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (dedupe_key, source) DO NOTHING`,
		ev.DedupeKey, ev.Source, ev.DetectedAt)
	return err
}

func (s *PostgresStore) ListLatencyEvents(ctx context.Context, dedupeKey string) ([]models.LatencyEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT dedupe_key, source, detected_at FROM latency_events
		WHERE dedupe_key=$1 ORDER BY detected_at`, dedupeKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.LatencyEvent
	for rows.Next() {
		var ev models.LatencyEvent
		if err := rows.Scan(&ev.DedupeKey, &ev.Source, &ev.DetectedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Market mappings ---

func (s *PostgresStore) SaveMarketMapping(ctx context.Context, m models.MarketMapping) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO market_mappings (condition_id, outcome, token_id, title, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (condition_id, outcome) DO UPDATE SET
			token_id = EXCLUDED.token_id,
			title = EXCLUDED.title,
			updated_at = NOW()`,
		m.ConditionID, m.Outcome, m.TokenID, m.Title)
	if err != nil {
		return err
	}
	// Write-through cache.
	if data, err := json.Marshal(m); err == nil {
		s.redis.Set(ctx, "mapping:"+models.MarketKey(m.ConditionID, m.Outcome), data, time.Hour)
	}
	return nil
}

func (s *PostgresStore) GetMarketMapping(ctx context.Context, conditionID, outcome string) (*models.MarketMapping, error) {
	key := "mapping:" + models.MarketKey(conditionID, outcome)
	if data, err := s.redis.Get(ctx, key).Bytes(); err == nil {
		var m models.MarketMapping
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	row := s.pool.QueryRow(ctx, `
		SELECT condition_id, outcome, token_id, title, updated_at
		FROM market_mappings WHERE condition_id=$1 AND UPPER(outcome)=UPPER($2)`,
		conditionID, outcome)
	var m models.MarketMapping
	if err := row.Scan(&m.ConditionID, &m.Outcome, &m.TokenID, &m.Title, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if data, err := json.Marshal(m); err == nil {
		s.redis.Set(ctx, key, data, time.Hour)
	}
	return &m, nil
}

func (s *PostgresStore) GetMappingByToken(ctx context.Context, tokenID string) (*models.MarketMapping, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT condition_id, outcome, token_id, title, updated_at
		FROM market_mappings WHERE token_id=$1`, tokenID)
	var m models.MarketMapping
	if err := row.Scan(&m.ConditionID, &m.Outcome, &m.TokenID, &m.Title, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// --- Quotes ---

func (s *PostgresStore) SaveQuote(ctx context.Context, q models.Quote) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quotes (market_key, token_id, best_bid, best_ask, captured_at)
		VALUES ($1, $2, $3, $4, $5)`,
		q.MarketKey, q.TokenID, q.BestBid, q.BestAsk, q.CapturedAt)
	if err != nil {
		return err
	}
	if data, err := json.Marshal(q); err == nil {
		s.redis.Set(ctx, "quote:"+q.MarketKey, data, time.Minute)
	}
	return nil
}

func (s *PostgresStore) LatestQuote(ctx context.Context, marketKey string) (*models.Quote, error) {
	if data, err := s.redis.Get(ctx, "quote:"+marketKey).Bytes(); err == nil {
		var q models.Quote
		if json.Unmarshal(data, &q) == nil {
			return &q, nil
		}
	}

	row := s.pool.QueryRow(ctx, `
		SELECT market_key, token_id, best_bid, best_ask, captured_at
		FROM quotes WHERE market_key=$1
		ORDER BY captured_at DESC LIMIT 1`, marketKey)
	var q models.Quote
	if err := row.Scan(&q.MarketKey, &q.TokenID, &q.BestBid, &q.BestAsk, &q.CapturedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &q, nil
}

// --- Leader positions ---

func (s *PostgresStore) GetLeaderPosition(ctx context.Context, wallet, conditionID, outcome string) (models.LeaderPosition, error) {
	pos := models.LeaderPosition{LeaderWallet: wallet, ConditionID: conditionID, Outcome: outcome}
	row := s.pool.QueryRow(ctx, `
		SELECT shares, updated_at FROM leader_positions
		WHERE leader_wallet=$1 AND condition_id=$2 AND outcome=$3`,
		wallet, conditionID, outcome)
	if err := row.Scan(&pos.Shares, &pos.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pos, nil
		}
		return pos, err
	}
	return pos, nil
}

func (s *PostgresStore) SaveLeaderPosition(ctx context.Context, pos models.LeaderPosition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO leader_positions (leader_wallet, condition_id, outcome, shares, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (leader_wallet, condition_id, outcome) DO UPDATE SET
			shares = EXCLUDED.shares,
			updated_at = NOW()`,
		pos.LeaderWallet, pos.ConditionID, pos.Outcome, pos.Shares)
	return err
}

// --- Intents ---

func (s *PostgresStore) InsertIntent(ctx context.Context, intent models.PaperIntent) (int64, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO paper_intents (fill_id, dedupe_key, decision, reason, side,
			target_usdc, target_shares, limit_price)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING id`,
		intent.FillID, intent.DedupeKey, intent.Decision, intent.Reason, intent.Side,
		intent.TargetUsdc, intent.TargetShares, intent.LimitPrice)
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// At most one intent per fill; a duplicate decision is dropped.
			return 0, nil
		}
		return 0, err
	}
	return id, nil
}

func (s *PostgresStore) GetIntentByDedupeKey(ctx context.Context, key string) (*models.PaperIntent, error) {
	var it models.PaperIntent
	row := s.pool.QueryRow(ctx, `
		SELECT id, fill_id, dedupe_key, decision, reason, side, target_usdc,
			target_shares, limit_price, created_at
		FROM paper_intents WHERE dedupe_key=$1`, key)
	if err := row.Scan(&it.ID, &it.FillID, &it.DedupeKey, &it.Decision, &it.Reason,
		&it.Side, &it.TargetUsdc, &it.TargetShares, &it.LimitPrice, &it.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &it, nil
}

func (s *PostgresStore) ListIntents(ctx context.Context, limit int) ([]models.PaperIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, fill_id, dedupe_key, decision, reason, side, target_usdc,
			target_shares, limit_price, created_at
		FROM paper_intents ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []models.PaperIntent
	for rows.Next() {
		var it models.PaperIntent
		if err := rows.Scan(&it.ID, &it.FillID, &it.DedupeKey, &it.Decision, &it.Reason,
			&it.Side, &it.TargetUsdc, &it.TargetShares, &it.LimitPrice, &it.CreatedAt); err != nil {
			return nil, err
		}
		intents = append(intents, it)
	}
	return intents, rows.Err()
}

// --- Paper positions ---

func (s *PostgresStore) GetPaperPosition(ctx context.Context, conditionID, outcome string) (models.PaperPosition, error) {
	pos := models.PaperPosition{ConditionID: conditionID, Outcome: outcome}
	row := s.pool.QueryRow(ctx, `
		SELECT token_id, title, shares, cost_basis_usdc, avg_price, open, updated_at
		FROM paper_positions WHERE condition_id=$1 AND outcome=$2`,
		conditionID, outcome)
	if err := row.Scan(&pos.TokenID, &pos.Title, &pos.Shares, &pos.CostBasisUsdc,
		&pos.AvgPrice, &pos.Open, &pos.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pos, nil
		}
		return pos, err
	}
	return pos, nil
}

func (s *PostgresStore) SavePaperPosition(ctx context.Context, pos models.PaperPosition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO paper_positions (condition_id, outcome, token_id, title, shares,
			cost_basis_usdc, avg_price, open, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
		ON CONFLICT (condition_id, outcome) DO UPDATE SET
			token_id = EXCLUDED.token_id,
			title = EXCLUDED.title,
			shares = EXCLUDED.shares,
			cost_basis_usdc = EXCLUDED.cost_basis_usdc,
			avg_price = EXCLUDED.avg_price,
			open = EXCLUDED.open,
			updated_at = NOW()`,
		pos.ConditionID, pos.Outcome, pos.TokenID, pos.Title, pos.Shares,
		pos.CostBasisUsdc, pos.AvgPrice, pos.Open)
	return err
}

func (s *PostgresStore) ListOpenPaperPositions(ctx context.Context) ([]models.PaperPosition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT condition_id, outcome, token_id, title, shares, cost_basis_usdc,
			avg_price, open, updated_at
		FROM paper_positions WHERE open ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []models.PaperPosition
	for rows.Next() {
		var p models.PaperPosition
		if err := rows.Scan(&p.ConditionID, &p.Outcome, &p.TokenID, &p.Title, &p.Shares,
			&p.CostBasisUsdc, &p.AvgPrice, &p.Open, &p.UpdatedAt); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) CountOpenPaperPositions(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM paper_positions WHERE open AND shares > 0`).Scan(&n)
	return n, err
}

// --- Execution attempts ---

func (s *PostgresStore) InsertAttempt(ctx context.Context, a models.ExecutionAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO execution_attempts (id, intent_id, token_id, condition_id, outcome,
			side, target_shares, limit_price, status, filled_shares, avg_fill_price,
			ttl_ms, submitted_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		a.ID, a.IntentID, a.TokenID, a.ConditionID, a.Outcome, a.Side,
		a.TargetShares, a.LimitPrice, a.Status, a.FilledShares, a.AvgFillPrice,
		a.TTLMs, a.SubmittedAt, a.CompletedAt)
	return err
}

func (s *PostgresStore) UpdateAttempt(ctx context.Context, a models.ExecutionAttempt) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE execution_attempts SET status=$2, filled_shares=$3, avg_fill_price=$4,
			completed_at=$5
		WHERE id=$1`,
		a.ID, a.Status, a.FilledShares, a.AvgFillPrice, a.CompletedAt)
	return err
}

func (s *PostgresStore) GetAttempt(ctx context.Context, id string) (*models.ExecutionAttempt, error) {
	row := s.pool.QueryRow(ctx, attemptSelect+` WHERE id=$1`, id)
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

const attemptSelect = `SELECT id, intent_id, token_id, condition_id, outcome, side,
	target_shares, limit_price, status, filled_shares, avg_fill_price, ttl_ms,
	submitted_at, completed_at FROM execution_attempts`

func scanAttempt(row rowScanner) (*models.ExecutionAttempt, error) {
	var a models.ExecutionAttempt
	err := row.Scan(&a.ID, &a.IntentID, &a.TokenID, &a.ConditionID, &a.Outcome,
		&a.Side, &a.TargetShares, &a.LimitPrice, &a.Status, &a.FilledShares,
		&a.AvgFillPrice, &a.TTLMs, &a.SubmittedAt, &a.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, limit int) ([]models.ExecutionAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, attemptSelect+` ORDER BY submitted_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.ExecutionAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

func (s *PostgresStore) InsertExecutionFill(ctx context.Context, f models.ExecutionFill) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO execution_fills (attempt_id, price, shares, usdc, filled_at)
		VALUES ($1,$2,$3,$4,$5)`,
		f.AttemptID, f.Price, f.Shares, f.Usdc, f.FilledAt)
	return err
}

func (s *PostgresStore) ListExecutionFills(ctx context.Context, attemptID string) ([]models.ExecutionFill, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, attempt_id, price, shares, usdc, filled_at
		FROM execution_fills WHERE attempt_id=$1 ORDER BY id`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []models.ExecutionFill
	for rows.Next() {
		var f models.ExecutionFill
		if err := rows.Scan(&f.ID, &f.AttemptID, &f.Price, &f.Shares, &f.Usdc, &f.FilledAt); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// --- Resolutions ---

func (s *PostgresStore) InsertResolution(ctx context.Context, r models.Resolution) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO resolutions (condition_id, outcome, kind, resolution_price,
			shares, cost_basis, realized_pnl)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`,
		r.ConditionID, r.Outcome, r.Kind, r.ResolutionPrice, r.Shares,
		r.CostBasis, r.RealizedPnl).Scan(&id)
	return id, err
}

func (s *PostgresStore) ListResolutions(ctx context.Context, conditionID string) ([]models.Resolution, error) {
	q := `SELECT id, condition_id, outcome, kind, resolution_price, shares,
		cost_basis, realized_pnl, created_at FROM resolutions`
	args := []any{}
	if conditionID != "" {
		q += ` WHERE condition_id=$1`
		args = append(args, conditionID)
	}
	q += ` ORDER BY id DESC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []models.Resolution
	for rows.Next() {
		var r models.Resolution
		if err := rows.Scan(&r.ID, &r.ConditionID, &r.Outcome, &r.Kind,
			&r.ResolutionPrice, &r.Shares, &r.CostBasis, &r.RealizedPnl, &r.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// --- Risk state ---

func (s *PostgresStore) GetRiskState(ctx context.Context, day string) (*models.RiskState, error) {
	rs := models.RiskState{Day: day, EventSpendUsdc: map[string]float64{}}
	var eventSpend []byte
	row := s.pool.QueryRow(ctx, `
		SELECT daily_spent_usdc, open_positions, event_spend, quote_fresh, chain_fresh
		FROM risk_state WHERE day=$1`, day)
	if err := row.Scan(&rs.DailySpentUsdc, &rs.OpenPositions, &eventSpend,
		&rs.QuoteFresh, &rs.ChainFresh); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			rs.QuoteFresh = true
			rs.ChainFresh = true
			return &rs, nil
		}
		return nil, err
	}
	if len(eventSpend) > 0 {
		if err := json.Unmarshal(eventSpend, &rs.EventSpendUsdc); err != nil {
			return nil, fmt.Errorf("risk state event_spend: %w", err)
		}
	}
	return &rs, nil
}

func (s *PostgresStore) SaveRiskState(ctx context.Context, rs models.RiskState) error {
	eventSpend, err := json.Marshal(rs.EventSpendUsdc)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO risk_state (day, daily_spent_usdc, open_positions, event_spend,
			quote_fresh, chain_fresh)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (day) DO UPDATE SET
			daily_spent_usdc = EXCLUDED.daily_spent_usdc,
			open_positions = EXCLUDED.open_positions,
			event_spend = EXCLUDED.event_spend,
			quote_fresh = EXCLUDED.quote_fresh,
			chain_fresh = EXCLUDED.chain_fresh`,
		rs.Day, rs.DailySpentUsdc, rs.OpenPositions, eventSpend, rs.QuoteFresh, rs.ChainFresh)
	return err
}

// --- Leases ---

func (s *PostgresStore) TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	// Conditional upsert: takes the lease if absent or stale. The WHERE clause
	// closes the read-then-write race between competing processes.
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO leases (name, owner, renewed_at) VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET owner=EXCLUDED.owner, renewed_at=NOW()
		WHERE leases.renewed_at < NOW() - make_interval(secs => $3)`,
		name, owner, ttl.Seconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RenewLease(ctx context.Context, name, owner string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE leases SET renewed_at=NOW() WHERE name=$1 AND owner=$2`, name, owner)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, name, owner string) error {
	// Only the current owner may delete; a lease taken over after expiry
	// stays with its new owner.
	_, err := s.pool.Exec(ctx,
		`DELETE FROM leases WHERE name=$1 AND owner=$2`, name, owner)
	return err
}

func (s *PostgresStore) GetLease(ctx context.Context, name string) (*models.Lease, error) {
	var l models.Lease
	row := s.pool.QueryRow(ctx,
		`SELECT name, owner, renewed_at FROM leases WHERE name=$1`, name)
	if err := row.Scan(&l.Name, &l.Owner, &l.RenewedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}

// --- Reset ---

func (s *PostgresStore) ResetPaperState(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, table := range []string{"paper_intents", "paper_positions", "execution_attempts", "execution_fills", "resolutions", "risk_state"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	// Drop cached quotes so old snapshots cannot leak into a fresh run.
	if keys, err := s.redis.Keys(ctx, "quote:*").Result(); err == nil && len(keys) > 0 {
		s.redis.Del(ctx, keys...)
	}
	return nil
}
