package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/conduitd/conduit/internal/database"
	"github.com/conduitd/conduit/internal/output"
	"github.com/conduitd/conduit/internal/secrets"
	"github.com/conduitd/conduit/internal/transform"
	"github.com/conduitd/conduit/pkg/types"
	"github.com/conduitd/conduit/pkg/utils"
)

// ConnectionPool acquires database handles for resolved descriptors.
// database.Manager is the production implementation.
type ConnectionPool interface {
	Get(ctx context.Context, driver string, desc *database.Descriptor) (*database.Conn, error)
}

// Executor runs the three-stage pipeline for a single job: fan-out
// input, transform, fan-out output. Stages are strictly sequential;
// only the output stage runs its destinations concurrently.
type Executor struct {
	secrets    *secrets.Store
	manager    ConnectionPool
	evaluator  transform.Evaluator
	dispatcher *output.Dispatcher
	logger     *logrus.Logger
	client     *http.Client
}

// NewExecutor creates an Executor.
func NewExecutor(
	store *secrets.Store,
	manager ConnectionPool,
	evaluator transform.Evaluator,
	dispatcher *output.Dispatcher,
	logger *logrus.Logger,
) *Executor {
	return &Executor{
		secrets:    store,
		manager:    manager,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		logger:     logger,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Execute runs the pipeline once and returns the execution record. The
// run races against the job's declared timeout; expiry is reported as a
// timeout failure distinct from other errors.
func (e *Executor) Execute(ctx context.Context, job types.JobDefinition) *types.JobExecution {
	exec := &types.JobExecution{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		StartTime: time.Now().UTC(),
		Status:    types.StatusRunning,
	}

	runCtx, cancel := context.WithTimeout(ctx, job.Timeout())
	defer cancel()

	records, err := e.run(runCtx, job)
	exec.Duration = time.Since(exec.StartTime)

	if err != nil {
		exec.Status = types.StatusFailed
		if errors.Is(err, context.DeadlineExceeded) && runCtx.Err() != nil {
			err = fmt.Errorf("%w after %s", ErrTimedOut, job.Timeout())
		}
		exec.Error = err.Error()
		e.logger.WithFields(logrus.Fields{
			"job_id":   job.ID,
			"error":    exec.Error,
			"duration": utils.FormatDuration(exec.Duration),
		}).Error("Job execution failed")
		return exec
	}

	exec.Status = types.StatusCompleted
	exec.Records = records
	exec.Summary = fmt.Sprintf("%d record(s) delivered to %d output(s)", records, len(job.Outputs))
	e.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"records":  records,
		"duration": utils.FormatDuration(exec.Duration),
	}).Info("Job execution completed")
	return exec
}

func (e *Executor) run(ctx context.Context, job types.JobDefinition) (int, error) {
	document, err := e.assembleInput(ctx, job)
	if err != nil {
		return 0, err
	}

	result, err := e.evaluator.Evaluate(job.Transform, document)
	if err != nil {
		return 0, fmt.Errorf("transform failed: %w", err)
	}
	records := recordCount(result)

	// Fan out across destinations; one output's failure does not cancel
	// the others but is reflected in the run's outcome.
	var g errgroup.Group
	for _, spec := range job.Outputs {
		spec := spec
		g.Go(func() error {
			return e.dispatcher.Dispatch(ctx, job.ID, spec, result)
		})
	}
	if err := g.Wait(); err != nil {
		return records, err
	}
	return records, nil
}

// assembleInput resolves each source's secrets and queries it, building
// the namespaced document the transform runs against.
func (e *Executor) assembleInput(ctx context.Context, job types.JobDefinition) (map[string]interface{}, error) {
	switch job.Input.Kind {
	case types.InputKindPostgres, types.InputKindMySQL:
		return e.assembleDatabaseInput(ctx, job)
	case types.InputKindHTTP:
		return e.assembleHTTPInput(ctx, job)
	default:
		return nil, fmt.Errorf("unsupported input type %q", job.Input.Kind)
	}
}

// assembleDatabaseInput iterates connections independently. A failing
// connection leaves an inline error marker and the run continues with
// the others; partial, explainable results beat all-or-nothing across
// independent databases.
func (e *Executor) assembleDatabaseInput(ctx context.Context, job types.JobDefinition) (map[string]interface{}, error) {
	document := make(map[string]interface{})
	connMeta := make(map[string]interface{})

	for _, conn := range job.Input.DatabaseConnections() {
		results, meta, err := e.queryConnection(ctx, job.Input.Kind, conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.WithFields(logrus.Fields{
				"job_id":     job.ID,
				"connection": conn.Name,
				"error":      err.Error(),
			}).Warn("Input connection failed, continuing with remaining connections")
			document[conn.Name] = map[string]interface{}{"error": err.Error()}
			continue
		}
		results["_connection"] = meta
		document[conn.Name] = results
		connMeta[conn.Name] = meta
	}

	document["_connections"] = connMeta
	return document, nil
}

func (e *Executor) queryConnection(ctx context.Context, driver string, conn types.ConnectionInput) (map[string]interface{}, map[string]interface{}, error) {
	resolved, err := e.secrets.ResolveValue(conn.Descriptor)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve descriptor: %w", err)
	}
	descriptor, err := database.ParseDescriptor(driver, resolved)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid descriptor: %w", err)
	}

	handle, err := e.manager.Get(ctx, driver, descriptor)
	if err != nil {
		return nil, nil, err
	}

	results := make(map[string]interface{}, len(conn.Statements))
	for _, stmt := range conn.Statements {
		records, err := handle.Query(ctx, stmt.SQL)
		if err != nil {
			return nil, nil, fmt.Errorf("statement %s: %w", stmt.Name, err)
		}
		results[stmt.Name] = records
	}
	return results, descriptor.Metadata(), nil
}

func (e *Executor) assembleHTTPInput(ctx context.Context, job types.JobDefinition) (map[string]interface{}, error) {
	in := job.Input.HTTP

	rawURL, err := e.secrets.Resolve(in.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve input url: %w", err)
	}
	headers, err := e.secrets.ResolveMap(in.Headers)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve input headers: %w", err)
	}
	query, err := e.secrets.ResolveMap(in.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve input query params: %w", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid input url: %w", err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	method := in.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if in.Body != "" {
		body = strings.NewReader(in.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build input request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("input request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read input response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("input endpoint returned status %d", resp.StatusCode)
	}

	var parsed interface{}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		parsed = string(respBody)
	}
	return map[string]interface{}{
		"response": parsed,
		"status":   resp.StatusCode,
	}, nil
}

func recordCount(result interface{}) int {
	switch val := result.(type) {
	case []interface{}:
		return len(val)
	case []map[string]interface{}:
		return len(val)
	case nil:
		return 0
	default:
		return 1
	}
}
