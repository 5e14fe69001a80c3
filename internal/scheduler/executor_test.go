package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitd/conduit/internal/database"
	"github.com/conduitd/conduit/internal/output"
	"github.com/conduitd/conduit/internal/secrets"
	"github.com/conduitd/conduit/internal/transform"
	"github.com/conduitd/conduit/pkg/types"
)

func newTestSecrets(t *testing.T, doc map[string]interface{}) *secrets.Store {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return secrets.NewStore(path, "", logrus.New())
}

// fakePool hands out sqlmock-backed connections per host, or an error
// for hosts listed as down.
type fakePool struct {
	conns map[string]*database.Conn
	down  map[string]bool
}

func (p *fakePool) Get(ctx context.Context, driver string, desc *database.Descriptor) (*database.Conn, error) {
	if p.down[desc.Host] {
		return nil, fmt.Errorf("connection refused: %s", desc.Host)
	}
	conn, ok := p.conns[desc.Host]
	if !ok {
		return nil, fmt.Errorf("unexpected host %s", desc.Host)
	}
	return conn, nil
}

func mockConn(t *testing.T, host string) *database.Conn {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rows := sqlmock.NewRows([]string{"id", "name"}).
		AddRow(1, "ada").
		AddRow(2, "lin")
	mock.ExpectQuery("SELECT").WillReturnRows(rows)
	return database.NewConn(db, "postgres", &database.Descriptor{Host: host, Database: "app"})
}

// capturingEvaluator records the document it was handed and delegates to
// the real evaluator.
type capturingEvaluator struct {
	real transform.Evaluator
	doc  map[string]interface{}
}

func (c *capturingEvaluator) Evaluate(expr string, doc map[string]interface{}) (interface{}, error) {
	c.doc = doc
	return c.real.Evaluate(expr, doc)
}

func newExecutor(t *testing.T, store *secrets.Store, pool ConnectionPool, eval transform.Evaluator) *Executor {
	t.Helper()
	logger := logrus.New()
	return NewExecutor(store, pool, eval, output.NewDispatcher(store, logger), logger)
}

func dbJob(id string, conns ...types.ConnectionInput) types.JobDefinition {
	return types.JobDefinition{
		ID:        id,
		Schedule:  "* * * * *",
		Transform: "_connections",
		Input:     types.InputSource{Kind: types.InputKindPostgres, Connections: conns},
		Outputs:   []types.OutputSpec{{Kind: types.OutputKindFile, Format: types.FormatJSON, Path: os.DevNull, RetryCount: 1}},
		TimeoutMs: 5000,
	}
}

func connInput(name, host string) types.ConnectionInput {
	return types.ConnectionInput{
		Name:       name,
		Descriptor: map[string]interface{}{"host": host, "database": "app"},
		Statements: []types.Statement{{Name: "users", SQL: "SELECT id, name FROM users"}},
	}
}

func TestPartialConnectionFailureKeepsOtherResults(t *testing.T) {
	pool := &fakePool{
		conns: map[string]*database.Conn{
			"c1.local": mockConn(t, "c1.local"),
			"c3.local": mockConn(t, "c3.local"),
		},
		down: map[string]bool{"c2.local": true},
	}

	eval := &capturingEvaluator{real: transform.NewEvaluator()}
	exec := newExecutor(t, newTestSecrets(t, map[string]interface{}{}), pool, eval)

	job := dbJob("multi-db", connInput("c1", "c1.local"), connInput("c2", "c2.local"), connInput("c3", "c3.local"))
	result := exec.Execute(context.Background(), job)

	// The run completed despite one dead connection.
	assert.Equal(t, types.StatusCompleted, result.Status)
	require.NotNil(t, eval.doc)

	c1 := eval.doc["c1"].(map[string]interface{})
	assert.Len(t, c1["users"], 2)
	meta := c1["_connection"].(map[string]interface{})
	assert.Equal(t, "c1.local", meta["host"])

	c2 := eval.doc["c2"].(map[string]interface{})
	assert.Contains(t, c2["error"], "connection refused")

	c3 := eval.doc["c3"].(map[string]interface{})
	assert.Len(t, c3["users"], 2)

	// Connection metadata is also flattened at the document root.
	rootMeta := eval.doc["_connections"].(map[string]interface{})
	assert.Contains(t, rootMeta, "c1")
	assert.Contains(t, rootMeta, "c3")
	assert.NotContains(t, rootMeta, "c2")
}

func TestExecutePostgresInputToFileOutput(t *testing.T) {
	pool := &fakePool{conns: map[string]*database.Conn{
		"p1.local": mockConn(t, "p1.local"),
	}}

	outPath := filepath.Join(t.TempDir(), "users.json")
	job := dbJob("t1", connInput("p1", "p1.local"))
	job.Transform = "p1.users"
	job.Outputs[0].Path = outPath

	exec := newExecutor(t, newTestSecrets(t, map[string]interface{}{}), pool, transform.NewEvaluator())
	result := exec.Execute(context.Background(), job)

	require.Equal(t, types.StatusCompleted, result.Status, result.Error)
	assert.Equal(t, 2, result.Records)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	var parsed []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &parsed))
	require.Len(t, parsed, 2)
	assert.Equal(t, "ada", parsed[0]["name"])
	assert.Contains(t, string(data), "\n  ")
}

func TestExecuteHTTPInputToFileOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[{"id":1,"name":"ada"},{"id":2,"name":"lin"}]}`)
	}))
	defer server.Close()

	outPath := filepath.Join(t.TempDir(), "out", "result.json")
	job := types.JobDefinition{
		ID:        "t1",
		Schedule:  "* * * * *",
		Transform: "response.items",
		Input: types.InputSource{
			Kind: types.InputKindHTTP,
			HTTP: &types.HTTPInput{URL: server.URL},
		},
		Outputs: []types.OutputSpec{{
			Kind: types.OutputKindFile, Format: types.FormatJSON, Path: outPath, RetryCount: 1,
		}},
		TimeoutMs: 5000,
	}

	store := newTestSecrets(t, map[string]interface{}{})
	exec := newExecutor(t, store, &fakePool{}, transform.NewEvaluator())
	result := exec.Execute(context.Background(), job)

	require.Equal(t, types.StatusCompleted, result.Status, result.Error)
	assert.Equal(t, 2, result.Records)
	assert.NotZero(t, result.Duration)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	var parsed []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Len(t, parsed, 2)
	assert.Contains(t, string(data), "\n  ")
}

func TestTransformErrorAbortsWithoutOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[]}`)
	}))
	defer server.Close()

	outPath := filepath.Join(t.TempDir(), "never.json")
	job := types.JobDefinition{
		ID:        "bad-transform",
		Schedule:  "* * * * *",
		Transform: "no.such.path",
		Input:     types.InputSource{Kind: types.InputKindHTTP, HTTP: &types.HTTPInput{URL: server.URL}},
		Outputs:   []types.OutputSpec{{Kind: types.OutputKindFile, Format: types.FormatJSON, Path: outPath, RetryCount: 1}},
		TimeoutMs: 5000,
	}

	store := newTestSecrets(t, map[string]interface{}{})
	exec := newExecutor(t, store, &fakePool{}, transform.NewEvaluator())
	result := exec.Execute(context.Background(), job)

	assert.Equal(t, types.StatusFailed, result.Status)
	assert.Contains(t, result.Error, "transform failed")

	// No partial output on a transform failure.
	_, err := os.Stat(outPath)
	assert.True(t, os.IsNotExist(err))
}

func TestTimeoutIsDistinctFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	job := types.JobDefinition{
		ID:        "slowpoke",
		Schedule:  "* * * * *",
		Transform: "response",
		Input:     types.InputSource{Kind: types.InputKindHTTP, HTTP: &types.HTTPInput{URL: server.URL}},
		Outputs:   []types.OutputSpec{{Kind: types.OutputKindFile, Format: types.FormatJSON, Path: os.DevNull, RetryCount: 1}},
		TimeoutMs: 100,
	}

	store := newTestSecrets(t, map[string]interface{}{})
	exec := newExecutor(t, store, &fakePool{}, transform.NewEvaluator())
	result := exec.Execute(context.Background(), job)

	assert.Equal(t, types.StatusFailed, result.Status)
	assert.Contains(t, result.Error, "timed out")
}
