package database

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryNormalizesRecords(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "email", "active"}).
		AddRow(int64(1), []byte("a@example.com"), true).
		AddRow(int64(2), []byte("b@example.com"), false)
	mock.ExpectQuery("SELECT (.+) FROM users").WillReturnRows(rows)

	conn := NewConn(db, "postgres", &Descriptor{Host: "db.local", Database: "app"})
	records, err := conn.Query(context.Background(), "SELECT id, email, active FROM users")
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0]["id"])
	// Driver byte slices are normalized to strings.
	assert.Equal(t, "a@example.com", records[0]["email"])
	assert.Equal(t, false, records[1]["active"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryPropagatesErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT").WillReturnError(assert.AnError)

	conn := NewConn(db, "postgres", &Descriptor{})
	_, err = conn.Query(context.Background(), "SELECT 1")
	assert.Error(t, err)
}

func TestCloseAllEmptiesTheCache(t *testing.T) {
	m := NewManager(logrus.New())

	db1, _, err := sqlmock.New()
	require.NoError(t, err)
	db2, _, err := sqlmock.New()
	require.NoError(t, err)

	m.conns["postgres|a"] = NewConn(db1, "postgres", &Descriptor{Host: "a"})
	m.conns["postgres|b"] = NewConn(db2, "postgres", &Descriptor{Host: "b"})
	require.Equal(t, 2, m.Count())

	m.CloseAll()
	assert.Equal(t, 0, m.Count())
}

func TestCloseRemovesOnlyThatConnection(t *testing.T) {
	m := NewManager(logrus.New())

	db1, mock1, err := sqlmock.New()
	require.NoError(t, err)
	mock1.ExpectClose()
	db2, _, err := sqlmock.New()
	require.NoError(t, err)

	a := &Descriptor{Host: "a.local", Port: 5432, Database: "app"}
	b := &Descriptor{Host: "b.local", Port: 5432, Database: "app"}
	require.NoError(t, m.Register("postgres", a, NewConn(db1, "postgres", a)))
	require.NoError(t, m.Register("postgres", b, NewConn(db2, "postgres", b)))
	require.Equal(t, 2, m.Count())

	require.NoError(t, m.Close("postgres", a))
	assert.Equal(t, 1, m.Count())

	// Closing an uncached descriptor is a no-op.
	require.NoError(t, m.Close("postgres", a))
	assert.Equal(t, 1, m.Count())
}

func TestCacheKeyUsesResolvedDescriptor(t *testing.T) {
	// Two descriptors resolving to the same literal target must produce
	// the same key; different credentials must not.
	a := &Descriptor{Host: "db.local", Port: 5432, Database: "app", User: "svc", Password: "old"}
	b := &Descriptor{Host: "db.local", Port: 5432, Database: "app", User: "svc", Password: "old"}
	c := &Descriptor{Host: "db.local", Port: 5432, Database: "app", User: "svc", Password: "rotated"}

	dsnA, err := a.DSN("postgres")
	require.NoError(t, err)
	dsnB, err := b.DSN("postgres")
	require.NoError(t, err)
	dsnC, err := c.DSN("postgres")
	require.NoError(t, err)

	assert.Equal(t, dsnA, dsnB)
	assert.NotEqual(t, dsnA, dsnC)
}
