package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/fx-markets/refyield/pkg/retry"
	"github.com/fx-markets/refyield/pkg/types"
	"github.com/fx-markets/refyield/pkg/utils"
)

// Client appends accrual and marks history to ClickHouse. History is an
// observability surface, not the ledger of record: inserts are best-effort
// and a nil *Client disables the sink entirely.
type Client struct {
	Logger *zap.Logger
	Db     driver.Conn
	DbName string
}

// New connects using CLICKHOUSE_ADDR and ensures the schema exists.
// Returns (nil, nil) when CLICKHOUSE_ADDR is unset so callers can run
// without a history backend.
func New(ctx context.Context, logger *zap.Logger) (*Client, error) {
	dsn := utils.Env("CLICKHOUSE_ADDR", "")
	if dsn == "" {
		logger.Info("CLICKHOUSE_ADDR not set, accrual history disabled")
		return nil, nil
	}

	connCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	username, password := extractCredentials(dsn)
	dbName := utils.Env("HISTORY_DB", "refyield")

	client := &Client{Logger: logger, DbName: dbName}
	options := &clickhouse.Options{
		Addr: extractReplicas(dsn),
		Auth: clickhouse.Auth{
			Database: "default",
			Username: username,
			Password: password,
		},
		DialTimeout:  30 * time.Second,
		MaxOpenConns: utils.EnvInt("CLICKHOUSE_MAX_OPEN_CONNS", 10),
		MaxIdleConns: utils.EnvInt("CLICKHOUSE_MAX_IDLE_CONNS", 3),
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		Settings: clickhouse.Settings{
			"prefer_column_name_to_alias": 1,
		},
	}

	err := retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "clickhouse_connection", func() error {
		conn, err := clickhouse.Open(options)
		if err != nil {
			return fmt.Errorf("open clickhouse connection: %w", err)
		}
		if err := conn.Ping(connCtx); err != nil {
			return fmt.Errorf("ping clickhouse: %w", err)
		}
		client.Db = conn
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := client.ensureSchema(connCtx); err != nil {
		return nil, err
	}
	logger.Info("accrual history ready", zap.String("database", dbName))
	return client, nil
}

func (c *Client) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE DATABASE IF NOT EXISTS %s ENGINE = Atomic`, c.DbName),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.accrual_events (
			user String,
			token LowCardinality(String),
			delta_base String,
			referrer String,
			block_number UInt64,
			event_time DateTime
		) ENGINE = MergeTree
		PARTITION BY toYYYYMM(event_time)
		ORDER BY (user, token, block_number)`, c.DbName),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.marks_events (
			event_id String,
			user String,
			points String,
			day String,
			event_time DateTime
		) ENGINE = MergeTree
		PARTITION BY toYYYYMM(event_time)
		ORDER BY (user, event_id)`, c.DbName),
	}
	for _, stmt := range stmts {
		if err := c.Db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure history schema: %w", err)
		}
	}
	return nil
}

// InsertAccrual appends one accrual row. Failures are logged, never
// returned, so history lag cannot block position updates.
func (c *Client) InsertAccrual(ctx context.Context, a *types.YieldAccrual, creditedReferrer string) {
	if c == nil {
		return
	}
	query := fmt.Sprintf(`INSERT INTO %s.accrual_events
		(user, token, delta_base, referrer, block_number, event_time)
		VALUES (?, ?, ?, ?, ?, ?)`, c.DbName)
	err := c.Db.Exec(ctx, query,
		a.User, a.Token, a.DeltaBase.Dec(), creditedReferrer, a.BlockNumber, a.Timestamp)
	if err != nil {
		c.Logger.Warn("accrual history insert failed",
			zap.String("user", a.User), zap.Error(err))
	}
}

// InsertMark appends one marks event row, same best-effort contract.
func (c *Client) InsertMark(ctx context.Context, eventID, user, points, day string, at time.Time) {
	if c == nil {
		return
	}
	query := fmt.Sprintf(`INSERT INTO %s.marks_events
		(event_id, user, points, day, event_time)
		VALUES (?, ?, ?, ?, ?)`, c.DbName)
	if err := c.Db.Exec(ctx, query, eventID, user, points, day, at); err != nil {
		c.Logger.Warn("marks history insert failed",
			zap.String("eventId", eventID), zap.Error(err))
	}
}

// AccrualRow is one stored accrual event.
type AccrualRow struct {
	User        string    `ch:"user" json:"user"`
	Token       string    `ch:"token" json:"token"`
	DeltaBase   string    `ch:"delta_base" json:"deltaBase"`
	Referrer    string    `ch:"referrer" json:"referrer"`
	BlockNumber uint64    `ch:"block_number" json:"blockNumber"`
	EventTime   time.Time `ch:"event_time" json:"eventTime"`
}

// AccrualsFor returns the stored accrual history for a user, newest first.
func (c *Client) AccrualsFor(ctx context.Context, user string, limit int) ([]AccrualRow, error) {
	if c == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query := fmt.Sprintf(`SELECT user, token, delta_base, referrer, block_number, event_time
		FROM %s.accrual_events
		WHERE user = ?
		ORDER BY event_time DESC
		LIMIT %d`, c.DbName, limit)

	var rows []AccrualRow
	if err := c.Db.Select(ctx, &rows, query, user); err != nil {
		return nil, fmt.Errorf("query accrual history: %w", err)
	}
	return rows, nil
}

// Health pings the connection.
func (c *Client) Health(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.Db.Ping(ctx)
}

// Close releases the connection pool.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.Db.Close()
}

// extractReplicas parses comma-separated replica addresses from the DSN.
func extractReplicas(dsn string) []string {
	cleaned := strings.TrimPrefix(dsn, "clickhouse://")
	cleaned = strings.TrimPrefix(cleaned, "tcp://")

	hostPart := cleaned
	if idx := strings.Index(cleaned, "@"); idx != -1 {
		hostPart = cleaned[idx+1:]
	}
	if idx := strings.IndexAny(hostPart, "/?"); idx != -1 {
		hostPart = hostPart[:idx]
	}

	result := make([]string, 0, 1)
	for _, r := range strings.Split(hostPart, ",") {
		if r = strings.TrimSpace(r); r != "" {
			result = append(result, r)
		}
	}
	if len(result) == 0 {
		return []string{"localhost:9000"}
	}
	return result
}

// extractCredentials extracts username and password from the DSN.
func extractCredentials(dsn string) (string, string) {
	dsn = strings.TrimPrefix(dsn, "clickhouse://")
	dsn = strings.TrimPrefix(dsn, "tcp://")

	atIdx := strings.Index(dsn, "@")
	if atIdx == -1 {
		return "default", ""
	}
	credentials := dsn[:atIdx]
	colonIdx := strings.Index(credentials, ":")
	if colonIdx == -1 {
		return credentials, ""
	}
	return credentials[:colonIdx], credentials[colonIdx+1:]
}
