package record

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in PostgreSQL. The unique index on
// minted_badges is what actually prevents a second badge for the same key.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Recorder = (*PostgresStore)(nil)

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS minted_badges (
    token_id BIGINT NOT NULL,
    user_id BIGINT,
    student_wallet TEXT NOT NULL,
    event_id BIGINT NOT NULL,
    event_name TEXT NOT NULL DEFAULT '',
    event_date TEXT NOT NULL DEFAULT '',
    achievement_type TEXT NOT NULL,
    metadata_uri TEXT NOT NULL DEFAULT '',
    issuer TEXT NOT NULL DEFAULT '',
    tx_hash TEXT NOT NULL DEFAULT '',
    network TEXT NOT NULL DEFAULT '',
    issued_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS minted_badges_student_event_type
    ON minted_badges (lower(student_wallet), event_id, achievement_type);

CREATE TABLE IF NOT EXISTS sdc_transactions (
    id UUID PRIMARY KEY,
    type TEXT NOT NULL,
    from_wallet TEXT NOT NULL,
    to_wallet TEXT NOT NULL,
    amount_wei NUMERIC(78, 0) NOT NULL,
    amount_tokens TEXT NOT NULL,
    tx_hash TEXT NOT NULL,
    network TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
`

const uniqueViolation = "23505"

// NewPostgresStore connects to Postgres using the DSN and ensures the tables exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrPersistence, err)
	}

	if _, err := pool.Exec(ctx, createTablesSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrPersistence, err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

const badgeColumns = `token_id, COALESCE(user_id, 0), student_wallet, event_id, event_name, event_date,
       achievement_type, metadata_uri, issuer, tx_hash, network, issued_at`

func scanBadge(row pgx.Row) (Badge, error) {
	var b Badge
	var tokenID int64
	err := row.Scan(&tokenID, &b.UserID, &b.Wallet, &b.EventID, &b.EventName, &b.EventDate,
		&b.AchievementType, &b.MetadataURI, &b.Issuer, &b.TxHash, &b.Network, &b.IssuedAt)
	b.TokenID = uint64(tokenID)
	return b, err
}

func (p *PostgresStore) FindBadge(ctx context.Context, wallet string, eventID int64, achievementType string) (*Badge, error) {
	row := p.pool.QueryRow(ctx, `
SELECT `+badgeColumns+`
FROM minted_badges
WHERE lower(student_wallet) = lower($1) AND event_id = $2 AND achievement_type = $3
`, wallet, eventID, achievementType)

	b, err := scanBadge(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: find badge: %v", ErrPersistence, err)
	}
	return &b, nil
}

func (p *PostgresStore) SaveBadge(ctx context.Context, b Badge) error {
	if b.TokenID > math.MaxInt64 {
		return fmt.Errorf("%w: token id %d does not fit the token_id column", ErrPersistence, b.TokenID)
	}
	var userID *int64
	if b.UserID != 0 {
		userID = &b.UserID
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO minted_badges (token_id, user_id, student_wallet, event_id, event_name, event_date,
                           achievement_type, metadata_uri, issuer, tx_hash, network, issued_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`, int64(b.TokenID), userID, b.Wallet, b.EventID, b.EventName, b.EventDate,
		b.AchievementType, b.MetadataURI, b.Issuer, b.TxHash, b.Network, b.IssuedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%s event %d %s: %w", b.Wallet, b.EventID, b.AchievementType, ErrDuplicateBadge)
		}
		return fmt.Errorf("%w: save badge: %v", ErrPersistence, err)
	}
	return nil
}

func (p *PostgresStore) RecordTransaction(ctx context.Context, tx CoinTransaction) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO sdc_transactions (id, type, from_wallet, to_wallet, amount_wei, amount_tokens, tx_hash, network, created_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)
`, tx.ID, string(tx.Type), tx.From, tx.To, tx.AmountBase, tx.AmountDisplay, tx.TxHash, tx.Network, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: record transaction: %v", ErrPersistence, err)
	}
	return nil
}

func (p *PostgresStore) ListBadges(ctx context.Context, f BadgeFilter) ([]Badge, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Wallet != "" {
		args = append(args, f.Wallet)
		where = append(where, fmt.Sprintf("lower(student_wallet) = lower($%d)", len(args)))
	}
	if f.EventID != 0 {
		args = append(args, f.EventID)
		where = append(where, fmt.Sprintf("event_id = $%d", len(args)))
	}
	query := `SELECT ` + badgeColumns + ` FROM minted_badges`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, listLimit(f.Limit))
	query += fmt.Sprintf(" ORDER BY issued_at DESC, token_id DESC LIMIT $%d", len(args))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list badges: %v", ErrPersistence, err)
	}
	defer rows.Close()

	out := make([]Badge, 0)
	for rows.Next() {
		b, err := scanBadge(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan badge: %v", ErrPersistence, err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list badges: %v", ErrPersistence, err)
	}
	return out, nil
}

func (p *PostgresStore) ListTransactions(ctx context.Context, limit int) ([]CoinTransaction, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id::text, type, from_wallet, to_wallet, amount_wei::text, amount_tokens, tx_hash, network, created_at
FROM sdc_transactions
ORDER BY created_at DESC
LIMIT $1
`, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: list transactions: %v", ErrPersistence, err)
	}
	defer rows.Close()

	out := make([]CoinTransaction, 0)
	for rows.Next() {
		var tx CoinTransaction
		var typ string
		if err := rows.Scan(&tx.ID, &typ, &tx.From, &tx.To, &tx.AmountBase, &tx.AmountDisplay, &tx.TxHash, &tx.Network, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan transaction: %v", ErrPersistence, err)
		}
		tx.Type = TxType(typ)
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list transactions: %v", ErrPersistence, err)
	}
	return out, nil
}
