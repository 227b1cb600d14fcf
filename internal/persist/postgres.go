package persist

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"
)

// ErrPingFailed is returned by NewPostgres when the database is unreachable.
var ErrPingFailed = errors.New("ping returned error")

var (
	//go:embed queries/create_table.sql
	queryCreateTable string
	//go:embed queries/read_document.sql
	queryReadDocument string
	//go:embed queries/write_document.sql
	queryWriteDocument string
	//go:embed queries/delete_document.sql
	queryDeleteDocument string
)

// PostgresDocuments keeps documents in one table, one row per key. A write
// is a single upsert statement.
type PostgresDocuments struct {
	db     *sql.DB
	read   string
	write  string
	del    string
	ownsDB bool
	now    func() time.Time
}

// OpenPostgres connects with dsn and prepares table.
func OpenPostgres(ctx context.Context, dsn, table string) (*PostgresDocuments, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p, err := NewPostgres(ctx, db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	p.ownsDB = true
	return p, nil
}

// NewPostgres verifies the connection and creates table if needed.
func NewPostgres(ctx context.Context, db *sql.DB, table string) (*PostgresDocuments, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(ErrPingFailed, err)
	}
	if _, err := db.ExecContext(ctx, withTable(queryCreateTable, table)); err != nil {
		return nil, err
	}
	return &PostgresDocuments{
		db:    db,
		read:  withTable(queryReadDocument, table),
		write: withTable(queryWriteDocument, table),
		del:   withTable(queryDeleteDocument, table),
		now:   time.Now,
	}, nil
}

func withTable(query, table string) string {
	return strings.ReplaceAll(query, "{{table}}", pq.QuoteIdentifier(table))
}

func (p *PostgresDocuments) Read(ctx context.Context, key string) ([]byte, bool, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx, p.read, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

func (p *PostgresDocuments) Write(ctx context.Context, key string, data []byte) error {
	_, err := p.db.ExecContext(ctx, p.write, key, data, p.now().UTC())
	return err
}

func (p *PostgresDocuments) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, p.del, key)
	return err
}

// Close closes the database only when OpenPostgres opened it.
func (p *PostgresDocuments) Close() error {
	if p.ownsDB {
		return p.db.Close()
	}
	return nil
}
