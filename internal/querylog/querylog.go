// Package querylog asynchronously persists resolved queries to a
// modernc.org/sqlite database, batching writes so storage latency never
// blocks the resolution path. It implements pipeline.QueryLogger.
package querylog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"
	_ "modernc.org/sqlite"

	"github.com/sinkholed/sinkholed/internal/obslog"
	"github.com/sinkholed/sinkholed/internal/sinkhole/policyhandler"
)

const (
	defaultBufferSize    = 1000
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
)

// entry is a single buffered row awaiting a batch insert.
type entry struct {
	timestamp    time.Time
	domain       string
	queryType    string
	responseCode int
}

// Logger buffers LogQuery calls in memory and flushes them to sqlite in
// batches, either when a batch fills or on a fixed interval.
type Logger struct {
	db     *sql.DB
	logger *obslog.Logger

	stmtInsert *sql.Stmt

	buffer chan entry
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// Open creates (or migrates) the sqlite database at dsn and starts the
// background flush worker. Close must be called to drain pending writes.
func Open(dsn string, logger *obslog.Logger) (*Logger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("querylog: opening database: %w", err)
	}

	// A single connection avoids SQLite's writer-lock contention entirely.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("querylog: pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("querylog: setting pragma %q: %w", p, err)
		}
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("querylog: applying migrations: %w", err)
	}

	stmt, err := db.Prepare(`INSERT INTO queries (timestamp, domain, query_type, response_code) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("querylog: preparing insert statement: %w", err)
	}

	l := &Logger{
		db:         db,
		logger:     logger,
		stmtInsert: stmt,
		buffer:     make(chan entry, defaultBufferSize),
	}

	l.wg.Add(1)
	go l.flushWorker()

	return l, nil
}

// LogQuery implements pipeline.QueryLogger. It never blocks the caller: a
// full buffer silently drops the entry rather than backing up the resolver.
func (l *Logger) LogQuery(q policyhandler.Query, rcode int) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return
	}

	e := entry{
		timestamp:    time.Now(),
		domain:       q.QName,
		queryType:    dns.TypeToString[q.QType],
		responseCode: rcode,
	}

	select {
	case l.buffer <- e:
	default:
		if l.logger != nil {
			l.logger.Warn("querylog: buffer full, dropping entry", "domain", q.QName)
		}
	}
}

func (l *Logger) flushWorker() {
	defer l.wg.Done()

	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()

	batch := make([]entry, 0, defaultBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.flushBatch(batch); err != nil && l.logger != nil {
			l.logger.Error("querylog: failed to flush batch", "error", err, "batch_size", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-l.buffer:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= defaultBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (l *Logger) flushBatch(batch []entry) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := tx.Stmt(l.stmtInsert)
	for _, e := range batch {
		if _, err := stmt.Exec(e.timestamp, e.domain, e.queryType, e.responseCode); err != nil {
			return fmt.Errorf("inserting query row: %w", err)
		}
	}

	return tx.Commit()
}

// Close stops accepting new entries, flushes whatever remains buffered, and
// closes the underlying database handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.buffer)
	l.wg.Wait()

	_ = l.stmtInsert.Close()
	return l.db.Close()
}

// RecentDomains returns the most recently logged domains, newest first,
// used by operational tooling to inspect live traffic.
func (l *Logger) RecentDomains(ctx context.Context, limit int) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT domain FROM queries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent domains: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scanning domain row: %w", err)
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}
