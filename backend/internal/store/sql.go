package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"boardsync/backend/internal/document"
)

type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// database/sql 里注册的驱动名
func (d Dialect) driverName() (string, error) {
	switch d {
	case DialectMySQL:
		return "mysql", nil
	case DialectPostgres:
		return "pgx", nil
	case DialectSQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported storage driver %q", string(d))
	}
}

// Open 按配置里的 driver 打开数据库并 ping 一次
func Open(ctx context.Context, driver, dsn string) (*sql.DB, Dialect, error) {
	d := Dialect(driver)
	name, err := d.driverName()
	if err != nil {
		return nil, "", err
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, "", err
	}
	if d == DialectSQLite {
		// sqlite 单写者
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, d, nil
}

var schemas = map[Dialect]string{
	DialectMySQL: `CREATE TABLE IF NOT EXISTS board_snapshots (
		document_id VARCHAR(64) NOT NULL PRIMARY KEY,
		content MEDIUMTEXT NOT NULL,
		record_count INT NOT NULL DEFAULT 0,
		updated_at DATETIME(3) NOT NULL
	)`,
	DialectPostgres: `CREATE TABLE IF NOT EXISTS board_snapshots (
		document_id VARCHAR(64) PRIMARY KEY,
		content TEXT NOT NULL,
		record_count INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	DialectSQLite: `CREATE TABLE IF NOT EXISTS board_snapshots (
		document_id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		record_count INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	)`,
}

var upserts = map[Dialect]string{
	DialectMySQL: `INSERT INTO board_snapshots (document_id, content, record_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE content = VALUES(content), record_count = VALUES(record_count), updated_at = VALUES(updated_at)`,
	DialectPostgres: `INSERT INTO board_snapshots (document_id, content, record_count, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id) DO UPDATE SET content = EXCLUDED.content, record_count = EXCLUDED.record_count, updated_at = EXCLUDED.updated_at`,
	DialectSQLite: `INSERT INTO board_snapshots (document_id, content, record_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (document_id) DO UPDATE SET content = excluded.content, record_count = excluded.record_count, updated_at = excluded.updated_at`,
}

// SQLSnapshotStore 一个文档一行，整份覆盖
type SQLSnapshotStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQLSnapshotStore(db *sql.DB, dialect Dialect) *SQLSnapshotStore {
	return &SQLSnapshotStore{db: db, dialect: dialect, now: time.Now}
}

func (s *SQLSnapshotStore) EnsureSchema(ctx context.Context) error {
	ddl, ok := schemas[s.dialect]
	if !ok {
		return fmt.Errorf("unsupported storage driver %q", string(s.dialect))
	}
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// 把 ? 占位符换成方言需要的形式
func (s *SQLSnapshotStore) bind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func (s *SQLSnapshotStore) Read(ctx context.Context, docID string) (document.Snapshot, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		s.bind(`SELECT content FROM board_snapshots WHERE document_id = ?`),
		docID,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot([]byte(content))
}

func (s *SQLSnapshotStore) Write(ctx context.Context, docID string, snap document.Snapshot) error {
	content, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	query, ok := upserts[s.dialect]
	if !ok {
		return fmt.Errorf("unsupported storage driver %q", string(s.dialect))
	}
	_, err = s.db.ExecContext(ctx, query, docID, string(content), len(snap), s.now().UTC())
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1406 {
			return fmt.Errorf("%w: doc %s (%d bytes)", ErrSnapshotTooLarge, docID, len(content))
		}
		return err
	}
	return nil
}

func (s *SQLSnapshotStore) Delete(ctx context.Context, docID string) error {
	_, err := s.db.ExecContext(ctx,
		s.bind(`DELETE FROM board_snapshots WHERE document_id = ?`),
		docID,
	)
	return err
}
