package output

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/conduitd/conduit/internal/secrets"
	"github.com/conduitd/conduit/pkg/types"
)

// S3Client is the slice of the S3 API the dispatcher uses.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Dispatcher delivers a transformed result to heterogeneous
// destinations, uniformly resolving secret references and applying the
// per-output retry policy.
type Dispatcher struct {
	secrets *secrets.Store
	logger  *logrus.Logger
	client  *http.Client

	// newS3 is swapped out in tests.
	newS3 func(ctx context.Context, spec *resolvedSpec) (S3Client, error)
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store *secrets.Store, logger *logrus.Logger) *Dispatcher {
	d := &Dispatcher{
		secrets: store,
		logger:  logger,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	d.newS3 = d.defaultS3Client
	return d
}

// resolvedSpec is an OutputSpec with every secret-bearing field resolved.
type resolvedSpec struct {
	types.OutputSpec
}

// Dispatch delivers the result to one destination. The caller fans out
// across destinations; each call is independent.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string, spec types.OutputSpec, result interface{}) error {
	resolved, err := d.resolveSpec(spec)
	if err != nil {
		return fmt.Errorf("output %s: %w", spec.Kind, err)
	}

	switch spec.Kind {
	case types.OutputKindHTTP, types.OutputKindWebhook:
		return d.dispatchHTTP(ctx, jobID, resolved, result)
	case types.OutputKindFile:
		return d.dispatchFile(jobID, resolved, result)
	case types.OutputKindS3:
		return d.dispatchS3(ctx, jobID, resolved, result)
	default:
		return fmt.Errorf("unsupported output type %q", spec.Kind)
	}
}

// resolveSpec resolves every field that may carry a secret reference
// independently, so one output's references never leak into another's.
func (d *Dispatcher) resolveSpec(spec types.OutputSpec) (*resolvedSpec, error) {
	r := &resolvedSpec{OutputSpec: spec}
	var err error

	if r.URL, err = d.secrets.Resolve(spec.URL); err != nil {
		return nil, fmt.Errorf("url: %w", err)
	}
	if r.Headers, err = d.secrets.ResolveMap(spec.Headers); err != nil {
		return nil, fmt.Errorf("headers: %w", err)
	}
	if r.Query, err = d.secrets.ResolveMap(spec.Query); err != nil {
		return nil, fmt.Errorf("query params: %w", err)
	}
	if r.Body, err = d.secrets.Resolve(spec.Body); err != nil {
		return nil, fmt.Errorf("body: %w", err)
	}
	if r.Path, err = d.secrets.Resolve(spec.Path); err != nil {
		return nil, fmt.Errorf("path: %w", err)
	}
	if r.Bucket, err = d.secrets.Resolve(spec.Bucket); err != nil {
		return nil, fmt.Errorf("bucket: %w", err)
	}
	if r.Key, err = d.secrets.Resolve(spec.Key); err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}
	if r.AccessKey, err = d.secrets.Resolve(spec.AccessKey); err != nil {
		return nil, fmt.Errorf("access key: %w", err)
	}
	if r.SecretKey, err = d.secrets.Resolve(spec.SecretKey); err != nil {
		return nil, fmt.Errorf("secret key: %w", err)
	}
	return r, nil
}

// withRetry runs op up to spec.RetryCount times with a fixed
// inter-attempt delay, returning the last error if every attempt fails.
// The count is the total number of attempts and is never less than one.
func (d *Dispatcher) withRetry(ctx context.Context, jobID string, spec *resolvedSpec, op func() error) error {
	attempts := spec.RetryCount
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := op(); err != nil {
			lastErr = err
			d.logger.WithFields(logrus.Fields{
				"job_id":  jobID,
				"output":  spec.Kind,
				"attempt": attempt,
				"error":   err.Error(),
			}).Warn("Output delivery attempt failed")
			if attempt < attempts {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(spec.RetryDelay()):
				}
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("all %d delivery attempts failed: %w", attempts, lastErr)
}

func (d *Dispatcher) dispatchHTTP(ctx context.Context, jobID string, spec *resolvedSpec, result interface{}) error {
	if spec.Upload != nil {
		return d.dispatchTwoPhase(ctx, jobID, spec, result)
	}

	payload, contentType, err := d.payload(spec, result)
	if err != nil {
		return err
	}
	return d.withRetry(ctx, jobID, spec, func() error {
		return d.send(ctx, spec.methodOr(http.MethodPost), spec.URL, spec.Query, spec.Headers, payload, contentType, nil)
	})
}

// dispatchTwoPhase first fetches an upload URL, then uploads the payload
// to it. A response missing the configured URL field is a hard error for
// that step, never retried; each HTTP exchange carries the normal retry
// policy.
func (d *Dispatcher) dispatchTwoPhase(ctx context.Context, jobID string, spec *resolvedSpec, result interface{}) error {
	var fetchBody []byte
	if spec.Body != "" {
		fetchBody = []byte(spec.Body)
	}

	var responseBody []byte
	err := d.withRetry(ctx, jobID, spec, func() error {
		return d.send(ctx, spec.methodOr(http.MethodPost), spec.URL, spec.Query, spec.Headers, fetchBody, "application/json", &responseBody)
	})
	if err != nil {
		return fmt.Errorf("failed to fetch upload url: %w", err)
	}

	field := gjson.GetBytes(responseBody, spec.Upload.URLField)
	if !field.Exists() || field.String() == "" {
		return fmt.Errorf("upload url field %q missing from response", spec.Upload.URLField)
	}
	uploadURL := field.String()

	payload, contentType, err := d.payload(spec, result)
	if err != nil {
		return err
	}
	method := spec.Upload.Method
	if method == "" {
		method = http.MethodPut
	}
	err = d.withRetry(ctx, jobID, spec, func() error {
		return d.send(ctx, method, uploadURL, nil, nil, payload, contentType, nil)
	})
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	return nil
}

// payload returns the request body: the explicit body if given, else the
// formatted result with a format-derived content type.
func (d *Dispatcher) payload(spec *resolvedSpec, result interface{}) ([]byte, string, error) {
	if spec.Body != "" {
		return []byte(spec.Body), "application/json", nil
	}
	return Format(spec.Format, result)
}

func (d *Dispatcher) send(ctx context.Context, method, rawURL string, query, headers map[string]string, body []byte, contentType string, out *[]byte) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" && body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out != nil {
		*out = respBody
	}
	return nil
}

func (d *Dispatcher) dispatchFile(jobID string, spec *resolvedSpec, result interface{}) error {
	payload, _, err := Format(spec.Format, result)
	if err != nil {
		return err
	}

	dir := filepath.Dir(spec.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	if err := os.WriteFile(spec.Path, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write output file %s: %w", spec.Path, err)
	}

	d.logger.WithFields(logrus.Fields{
		"job_id": jobID,
		"path":   spec.Path,
		"bytes":  len(payload),
	}).Info("Result written to file")
	return nil
}

func (d *Dispatcher) dispatchS3(ctx context.Context, jobID string, spec *resolvedSpec, result interface{}) error {
	payload, contentType, err := Format(spec.Format, result)
	if err != nil {
		return err
	}

	client, err := d.newS3(ctx, spec)
	if err != nil {
		return fmt.Errorf("failed to create s3 client: %w", err)
	}

	return d.withRetry(ctx, jobID, spec, func() error {
		_, err := client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(spec.Bucket),
			Key:         aws.String(spec.Key),
			Body:        bytes.NewReader(payload),
			ContentType: aws.String(contentType),
		})
		if err != nil {
			return fmt.Errorf("failed to upload to s3://%s/%s: %w", spec.Bucket, spec.Key, err)
		}
		d.logger.WithFields(logrus.Fields{
			"job_id": jobID,
			"bucket": spec.Bucket,
			"key":    spec.Key,
			"bytes":  len(payload),
		}).Info("Result uploaded to object store")
		return nil
	})
}

func (d *Dispatcher) defaultS3Client(ctx context.Context, spec *resolvedSpec) (S3Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if spec.Region != "" {
		opts = append(opts, awsconfig.WithRegion(spec.Region))
	}
	if spec.AccessKey != "" && spec.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(spec.AccessKey, spec.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if spec.Endpoint != "" {
			o.BaseEndpoint = aws.String(spec.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (r *resolvedSpec) methodOr(fallback string) string {
	if r.Method != "" {
		return r.Method
	}
	return fallback
}
