package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/go-sql-driver/mysql" // mysql driver
	_ "github.com/lib/pq"              // postgres driver
	"github.com/sirupsen/logrus"
)

// Manager owns database connection lifecycle, amortizing setup cost
// across statements and jobs targeting the same database. Connections
// are keyed by (driver, resolved DSN); keying happens after secret
// resolution so distinct references to the same database share a
// connection and rotated credentials never reuse a stale key.
type Manager struct {
	logger *logrus.Logger

	mu    sync.Mutex
	conns map[string]*Conn
}

// Conn is a cached database handle.
type Conn struct {
	db         *sql.DB
	driver     string
	descriptor *Descriptor
}

// NewConn wraps an already-open handle. The manager builds its own
// connections; this exists for callers that bring their own *sql.DB.
func NewConn(db *sql.DB, driver string, desc *Descriptor) *Conn {
	return &Conn{db: db, driver: driver, descriptor: desc}
}

// NewManager creates an empty connection manager.
func NewManager(logger *logrus.Logger) *Manager {
	return &Manager{
		logger: logger,
		conns:  make(map[string]*Conn),
	}
}

// Get returns a cached or freshly established connection for the
// resolved descriptor.
func (m *Manager) Get(ctx context.Context, driver string, desc *Descriptor) (*Conn, error) {
	dsn, err := desc.DSN(driver)
	if err != nil {
		return nil, err
	}
	key := driver + "|" + dsn

	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, ok := m.conns[key]; ok {
		return conn, nil
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection to %s: %w", driver, desc.Host, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s at %s:%d: %w", driver, desc.Host, desc.Port, err)
	}

	conn := &Conn{db: db, driver: driver, descriptor: desc}
	m.conns[key] = conn

	m.logger.WithFields(logrus.Fields{
		"driver":   driver,
		"host":     desc.Host,
		"database": desc.Database,
	}).Info("Database connection established")

	return conn, nil
}

// Register caches an externally established connection under the
// descriptor's key. It pairs with NewConn for callers that bring their
// own *sql.DB.
func (m *Manager) Register(driver string, desc *Descriptor, conn *Conn) error {
	dsn, err := desc.DSN(driver)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[driver+"|"+dsn] = conn
	return nil
}

// Close tears down the cached connection for one descriptor, if any.
func (m *Manager) Close(driver string, desc *Descriptor) error {
	dsn, err := desc.DSN(driver)
	if err != nil {
		return err
	}
	key := driver + "|" + dsn

	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[key]
	if !ok {
		return nil
	}
	delete(m.conns, key)
	return conn.db.Close()
}

// CloseAll tears down every cached connection. It is invoked whenever
// the secret store completes a reload, forcing subsequent queries to
// re-authenticate with the rotated credentials.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, conn := range m.conns {
		if err := conn.db.Close(); err != nil {
			m.logger.Warnf("Failed to close connection %s: %v", conn.descriptor.Host, err)
		}
		delete(m.conns, key)
	}
}

// Count returns the number of cached connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Descriptor returns the resolved descriptor behind the connection.
func (c *Conn) Descriptor() *Descriptor {
	return c.descriptor
}

// Query executes a statement and returns a normalized homogeneous
// record sequence. Driver byte slices are converted to strings so the
// records serialize cleanly.
func (c *Conn) Query(ctx context.Context, sqlText string, params ...interface{}) ([]map[string]interface{}, error) {
	rows, err := c.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var records []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		record := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
			} else {
				record[col] = values[i]
			}
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return records, nil
}
