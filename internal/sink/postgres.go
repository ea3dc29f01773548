package sink

import (
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/chaz8081/enose-collector/internal/packet"
	"github.com/chaz8081/enose-collector/internal/schema"
)

// DefaultTable is the Postgres table used when none is configured.
const DefaultTable = "enose_records"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Fixed leading columns of every Postgres table.
var postgresMetaColumns = []string{"id", "session_id", "captured_at"}

// PostgresSink inserts one row per record into a table with one column per
// schema field. Rows from a single run share a session id.
type PostgresSink struct {
	db      *sql.DB
	table   string
	session uuid.UUID

	mu     sync.Mutex
	schema *schema.Schema
	insert string
	closed bool
}

// OpenPostgres connects with the lib/pq driver and verifies the connection.
func OpenPostgres(dsn, table string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sink: opening postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: connecting to postgres: %w", err)
	}
	s, err := NewPostgres(db, table, uuid.New())
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres wraps an open database. The sink owns db and closes it.
func NewPostgres(db *sql.DB, table string, session uuid.UUID) (*PostgresSink, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("sink: invalid table name %q", table)
	}
	return &PostgresSink{db: db, table: table, session: session}, nil
}

// Session returns the id stamped on every row written by this sink.
func (p *PostgresSink) Session() uuid.UUID { return p.session }

func columnType(t schema.Type) string {
	if t.IsFloat() {
		return "double precision"
	}
	return "bigint"
}

func (p *PostgresSink) createSQL(s *schema.Schema) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(pq.QuoteIdentifier(p.table))
	b.WriteString(" (id bigserial PRIMARY KEY, session_id uuid NOT NULL, captured_at timestamptz NOT NULL")
	for _, f := range s.Fields() {
		b.WriteString(", ")
		b.WriteString(pq.QuoteIdentifier(f.Name))
		b.WriteString(" ")
		b.WriteString(columnType(f.Type))
	}
	b.WriteString(")")
	return b.String()
}

func (p *PostgresSink) insertSQL(s *schema.Schema) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pq.QuoteIdentifier(p.table))
	b.WriteString(" (session_id, captured_at")
	for _, name := range s.Names() {
		b.WriteString(", ")
		b.WriteString(pq.QuoteIdentifier(name))
	}
	b.WriteString(") VALUES ($1,$2")
	for i := range s.Len() {
		fmt.Fprintf(&b, ",$%d", i+3)
	}
	b.WriteString(")")
	return b.String()
}

const columnsQuery = `SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1 ORDER BY ordinal_position`

func (p *PostgresSink) EnsureHeader(s *schema.Schema) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.schema != nil {
		if slices.Equal(p.schema.Names(), s.Names()) {
			return nil
		}
		return fmt.Errorf("%w: table %s already prepared for layout %s", ErrHeaderMismatch, p.table, p.schema.Name())
	}

	if _, err := p.db.Exec(p.createSQL(s)); err != nil {
		return fmt.Errorf("sink: creating table %s: %w", p.table, err)
	}

	rows, err := p.db.Query(columnsQuery, p.table)
	if err != nil {
		return fmt.Errorf("sink: reading columns of %s: %w", p.table, err)
	}
	defer rows.Close()
	var existing []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("sink: reading columns of %s: %w", p.table, err)
		}
		existing = append(existing, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sink: reading columns of %s: %w", p.table, err)
	}

	want := append(slices.Clone(postgresMetaColumns), s.Names()...)
	if !slices.Equal(existing, want) {
		return fmt.Errorf("%w: table %s has %d columns, want %d", ErrHeaderMismatch, p.table, len(existing), len(want))
	}

	p.schema = s
	p.insert = p.insertSQL(s)
	slog.Info("[SINK] postgres table ready", "table", p.table, "layout", s.Name(), "session", p.session)
	return nil
}

func (p *PostgresSink) Append(rec packet.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.schema == nil {
		return ErrNoHeader
	}
	if len(rec.Values) != p.schema.Len() {
		return fmt.Errorf("sink: record has %d values, table has %d fields", len(rec.Values), p.schema.Len())
	}

	args := make([]any, 0, len(rec.Values)+2)
	args = append(args, p.session.String(), rec.CapturedAt)
	for i, v := range rec.Values {
		if p.schema.Field(i).Type.IsFloat() {
			args = append(args, v)
		} else {
			args = append(args, int64(v))
		}
	}
	if _, err := p.db.Exec(p.insert, args...); err != nil {
		return fmt.Errorf("sink: inserting into %s: %w", p.table, err)
	}
	return nil
}

func (p *PostgresSink) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

var _ Sink = (*PostgresSink)(nil)
