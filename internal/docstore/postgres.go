package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const schema = `CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	data JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (collection, id)
)`

const (
	queryGet       = `SELECT data FROM documents WHERE collection = $1 AND id = $2`
	queryGetLocked = `SELECT data FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`
	queryWhere     = `SELECT id, data FROM documents WHERE collection = $1 AND data #>> $2::text[] = $3 ORDER BY id`
	queryInsert    = `INSERT INTO documents (collection, id, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $4) ON CONFLICT (collection, id) DO NOTHING`
	queryReplace   = `INSERT INTO documents (collection, id, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $4) ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`
	queryUpdate    = `UPDATE documents SET data = $3, updated_at = $4 WHERE collection = $1 AND id = $2`
)

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// Postgres stores every collection in one JSONB table.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgres wraps an open database. The schema is not created; see
// OpenPostgres.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

// OpenPostgres connects through the pgx driver, verifies the connection and
// creates the documents table if needed.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, errors.New("docstore: missing postgres DSN")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("docstore: open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("docstore: ping postgres: %w", err)
	}

	p := NewPostgres(db)
	if err := p.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// EnsureSchema creates the documents table and its lookup indexes.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		schema,
		`CREATE INDEX IF NOT EXISTS idx_documents_order_number ON documents (collection, (data ->> 'orderNumber'))`,
		`CREATE INDEX IF NOT EXISTS idx_documents_payment_order ON documents (collection, (data #>> '{pagamento,orderNumber}'))`,
		`CREATE INDEX IF NOT EXISTS idx_documents_date_key ON documents (collection, (data ->> 'dateKey'))`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("docstore: ensure schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Get(ctx context.Context, collection, id string) (Document, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, queryGet, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("docstore: get %s/%s: %w", collection, id, err)
	}
	data, err := decodeData(raw)
	if err != nil {
		return Document{}, fmt.Errorf("docstore: get %s/%s: %w", collection, id, err)
	}
	return Document{ID: id, Data: data}, nil
}

func (p *Postgres) Where(ctx context.Context, collection, field string, value any) ([]Document, error) {
	text, err := valueText(value)
	if err != nil {
		return nil, fmt.Errorf("docstore: where %s.%s: %w", collection, field, err)
	}

	rows, err := p.db.QueryContext(ctx, queryWhere, collection, jsonPath(field), text)
	if err != nil {
		return nil, fmt.Errorf("docstore: where %s.%s: %w", collection, field, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("docstore: scan %s: %w", collection, err)
		}
		data, err := decodeData(raw)
		if err != nil {
			return nil, fmt.Errorf("docstore: decode %s/%s: %w", collection, id, err)
		}
		docs = append(docs, Document{ID: id, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore: where %s.%s: %w", collection, field, err)
	}
	return docs, nil
}

func (p *Postgres) Create(ctx context.Context, collection, id string, data map[string]any) error {
	now := p.now().UTC()
	raw, err := json.Marshal(plain(resolve(data, now)))
	if err != nil {
		return fmt.Errorf("docstore: encode %s/%s: %w", collection, id, err)
	}

	res, err := p.db.ExecContext(ctx, queryInsert, collection, id, raw, now)
	if err != nil {
		return fmt.Errorf("docstore: create %s/%s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("docstore: create %s/%s: %w", collection, id, err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (p *Postgres) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := uuid.NewString()
	if err := p.Create(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	now := p.now().UTC()
	doc := resolve(data, now)

	if !merge {
		raw, err := json.Marshal(plain(doc))
		if err != nil {
			return fmt.Errorf("docstore: encode %s/%s: %w", collection, id, err)
		}
		if _, err := p.db.ExecContext(ctx, queryReplace, collection, id, raw, now); err != nil {
			return fmt.Errorf("docstore: set %s/%s: %w", collection, id, err)
		}
		return nil
	}

	// A concurrent writer can insert between our locked read and our insert;
	// the second attempt then finds the row and locks it.
	for attempt := 0; attempt < 2; attempt++ {
		done, err := p.mergeOnce(ctx, collection, id, doc, now)
		if err != nil {
			return fmt.Errorf("docstore: merge %s/%s: %w", collection, id, err)
		}
		if done {
			return nil
		}
	}
	return fmt.Errorf("docstore: merge %s/%s: concurrent insert", collection, id)
}

func (p *Postgres) mergeOnce(ctx context.Context, collection, id string, doc map[string]any, now time.Time) (done bool, err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil || !done {
			_ = tx.Rollback()
		}
	}()

	var prevRaw []byte
	err = tx.QueryRowContext(ctx, queryGetLocked, collection, id).Scan(&prevRaw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		raw, mErr := json.Marshal(plain(doc))
		if mErr != nil {
			return false, mErr
		}
		res, iErr := tx.ExecContext(ctx, queryInsert, collection, id, raw, now)
		if iErr != nil {
			return false, iErr
		}
		n, rErr := res.RowsAffected()
		if rErr != nil {
			return false, rErr
		}
		if n == 0 {
			return false, nil
		}
	case err != nil:
		return false, err
	default:
		prev, dErr := decodeData(prevRaw)
		if dErr != nil {
			return false, dErr
		}
		raw, mErr := json.Marshal(DeepMerge(prev, doc))
		if mErr != nil {
			return false, mErr
		}
		if _, uErr := tx.ExecContext(ctx, queryUpdate, collection, id, raw, now); uErr != nil {
			return false, uErr
		}
	}

	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func decodeData(raw []byte) (map[string]any, error) {
	data := map[string]any{}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// jsonPath turns a dotted field path into a Postgres text[] literal.
func jsonPath(field string) string {
	return "{" + strings.ReplaceAll(field, ".", ",") + "}"
}

// valueText renders an equality operand the way #>> renders a JSONB value.
func valueText(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
