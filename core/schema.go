package core

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	// database/sql drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	maxDBConns      = 10
	columnCacheTTL  = 5 * time.Minute
	rowsPreviewCap  = 20
	connMaxLifetime = time.Hour
)

// ExecResult is the outcome of one SQL execution.
type ExecResult struct {
	Rows        []map[string]any
	RowCount    int
	ReturnsRows bool
}

// Inspector owns database handles and schema lookups. Handles are pooled per
// normalized connection string and reused across requests; column lookups
// are cached for a short window because live schemas rarely change mid
// conversation.
type Inspector struct {
	log *zap.SugaredLogger

	mu      sync.Mutex
	engines map[string]*sql.DB

	columns cache.Cache
}

// NewInspector builds an inspector with an empty engine pool.
func NewInspector(log *zap.SugaredLogger) *Inspector {
	// Options are static, the error branch is unreachable.
	columns, _ := cache.NewCache(cache.TTL(columnCacheTTL), cache.MaxKeys(256))
	return &Inspector{
		log:     log,
		engines: map[string]*sql.DB{},
		columns: columns,
	}
}

// Close closes every pooled handle.
func (in *Inspector) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for key, db := range in.engines {
		_ = db.Close()
		delete(in.engines, key)
	}
}

// normalizeConn converts URL-style connection strings, including SQLAlchemy
// style driver suffixes like mysql+aiomysql, to what the Go drivers expect.
// Returns the driver name and its DSN.
func normalizeConn(conn string) (driver, dsn string, err error) {
	conn = strings.TrimSpace(conn)

	scheme := ""
	if i := strings.Index(conn, "://"); i > 0 {
		scheme = strings.ToLower(conn[:i])
	}
	if j := strings.Index(scheme, "+"); j > 0 {
		base := scheme[:j]
		conn = base + conn[strings.Index(conn, "://"):]
		scheme = base
	}

	switch scheme {
	case "postgres", "postgresql":
		return "pgx", conn, nil
	case "mysql", "":
		u, perr := url.Parse(conn)
		if perr != nil || u.Host == "" {
			// Already a driver-native DSN like user:pass@tcp(host)/db.
			return "mysql", strings.TrimPrefix(conn, "mysql://"), nil
		}
		host := u.Host
		if u.Port() == "" {
			host += ":3306"
		}
		creds := ""
		if u.User != nil {
			creds = u.User.Username()
			if pw, ok := u.User.Password(); ok {
				creds += ":" + pw
			}
			creds += "@"
		}
		dbName := strings.TrimPrefix(u.Path, "/")
		dsn := fmt.Sprintf("%stcp(%s)/%s", creds, host, dbName)
		if u.RawQuery != "" {
			dsn += "?" + u.RawQuery
		}
		return "mysql", dsn, nil
	default:
		return "", "", errors.Errorf("unsupported database scheme %q", scheme)
	}
}

// engine returns the pooled handle for a connection string, opening it on
// first use.
func (in *Inspector) engine(conn string) (*sql.DB, string, error) {
	driver, dsn, err := normalizeConn(conn)
	if err != nil {
		return nil, "", err
	}
	key := driver + "|" + dsn

	in.mu.Lock()
	defer in.mu.Unlock()
	if db, ok := in.engines[key]; ok {
		return db, driver, nil
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(maxDBConns)
	db.SetMaxIdleConns(maxDBConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	in.engines[key] = db
	return db, driver, nil
}

// TableNames lists the tables of the connected schema.
func (in *Inspector) TableNames(ctx context.Context, conn string) ([]string, error) {
	db, driver, err := in.engine(conn)
	if err != nil {
		return nil, err
	}

	q := `SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE()`
	if driver == "pgx" {
		q = `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public'`
	}

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tables")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "failed to scan table name")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// TableColumns returns the column names of a table as a lowercased set,
// cached for a short window.
func (in *Inspector) TableColumns(ctx context.Context, conn, table string) (map[string]bool, error) {
	cacheKey := conn + "|" + table
	if v, ok := in.columns.Get(cacheKey); ok {
		return v.(map[string]bool), nil
	}

	db, driver, err := in.engine(conn)
	if err != nil {
		return nil, err
	}

	q := `SELECT column_name FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ?`
	if driver == "pgx" {
		q = `SELECT column_name FROM information_schema.columns WHERE table_schema = 'public' AND table_name = $1`
	}

	rows, err := db.QueryContext(ctx, q, table)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list columns of %s", table)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "failed to scan column name")
		}
		cols[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	in.columns.Set(cacheKey, cols, columnCacheTTL)
	return cols, nil
}

// Execute runs one statement on a fresh connection. SELECT and SHOW return
// scanned rows; everything else returns the affected row count.
func (in *Inspector) Execute(ctx context.Context, conn, query string) (*ExecResult, error) {
	db, _, err := in.engine(conn)
	if err != nil {
		return nil, err
	}

	c, err := db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to acquire connection")
	}
	defer c.Close()

	upper := strings.ToUpper(strings.TrimSpace(query))
	if strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "SHOW") {
		rows, err := c.QueryContext(ctx, query)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		scanned, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		return &ExecResult{Rows: scanned, RowCount: len(scanned), ReturnsRows: true}, nil
	}

	res, err := c.ExecContext(ctx, query)
	if err != nil {
		return nil, err
	}
	affected, _ := res.RowsAffected()
	return &ExecResult{
		Rows:     []map[string]any{{"status": "ok", "rows_affected": affected}},
		RowCount: int(affected),
	}, nil
}

// scanRows materializes a result set as generic maps, decoding []byte
// columns to strings.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// UserName fetches the display name for a numeric user id, "" when the user
// is unknown or the lookup fails.
func (in *Inspector) UserName(ctx context.Context, conn, userID string) string {
	if strings.TrimSpace(userID) == "" || !numericLiteral.MatchString(userID) {
		return ""
	}
	db, driver, err := in.engine(conn)
	if err != nil {
		return ""
	}

	q := `SELECT first_name, last_name FROM user WHERE id = ? LIMIT 1`
	if driver == "pgx" {
		q = `SELECT first_name, last_name FROM "user" WHERE id = $1 LIMIT 1`
	}

	var first, last sql.NullString
	if err := db.QueryRowContext(ctx, q, userID).Scan(&first, &last); err != nil {
		if err != sql.ErrNoRows {
			in.log.Warnf("user name lookup failed: %s", err)
		}
		return ""
	}
	return strings.TrimSpace(first.String + " " + last.String)
}
