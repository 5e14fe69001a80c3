package types

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Input kinds supported by job definitions.
const (
	InputKindPostgres = "postgres"
	InputKindMySQL    = "mysql"
	InputKindHTTP     = "http"
)

// Output kinds supported by job definitions.
const (
	OutputKindHTTP    = "http"
	OutputKindWebhook = "webhook"
	OutputKindFile    = "file"
	OutputKindS3      = "s3"
)

// Output formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

const DefaultTimeoutMs = 30000

var jobIDPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// JobDefinition represents a declarative pull/transform/push job
type JobDefinition struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description" yaml:"description"`
	Input       InputSource  `json:"input" yaml:"input"`
	Transform   string       `json:"transform" yaml:"transform"`
	Schedule    string       `json:"schedule" yaml:"schedule"`
	Enabled     *bool        `json:"enabled" yaml:"enabled"`
	Outputs     []OutputSpec `json:"outputs" yaml:"outputs"`
	TimeoutMs   int          `json:"timeout" yaml:"timeout"`
	Watermark   *Watermark   `json:"watermark,omitempty" yaml:"watermark,omitempty"`
}

// InputSource is a discriminated union over the supported input kinds.
// Database kinds carry one or more named connections; the http kind
// carries a single request description.
type InputSource struct {
	Kind        string            `json:"type" yaml:"type"`
	Connection  *ConnectionInput  `json:"connection,omitempty" yaml:"connection,omitempty"`
	Connections []ConnectionInput `json:"connections,omitempty" yaml:"connections,omitempty"`
	HTTP        *HTTPInput        `json:"http,omitempty" yaml:"http,omitempty"`
}

// ConnectionInput names a database connection and the statements to run
// against it. Descriptor is either a connection URL string (possibly a
// secret reference) or a structured document.
type ConnectionInput struct {
	Name       string      `json:"name" yaml:"name"`
	Descriptor interface{} `json:"descriptor" yaml:"descriptor"`
	Statements []Statement `json:"statements" yaml:"statements"`
}

// Statement is a named SQL statement.
type Statement struct {
	Name string `json:"name" yaml:"name"`
	SQL  string `json:"sql" yaml:"sql"`
}

// HTTPInput describes an HTTP data source.
type HTTPInput struct {
	URL     string            `json:"url" yaml:"url"`
	Method  string            `json:"method" yaml:"method"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty" yaml:"query,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`
}

// OutputSpec describes one delivery destination for a job's result.
type OutputSpec struct {
	Kind         string `json:"type" yaml:"type"`
	Format       string `json:"format" yaml:"format"`
	RetryCount   int    `json:"retry_count" yaml:"retry_count"`
	RetryDelayMs int    `json:"retry_delay_ms" yaml:"retry_delay_ms"`

	// HTTP/webhook fields.
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty" yaml:"query,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`
	Upload  *UploadSpec       `json:"upload,omitempty" yaml:"upload,omitempty"`

	// File fields.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Object store fields.
	Bucket    string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Key       string `json:"key,omitempty" yaml:"key,omitempty"`
	Region    string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint  string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	AccessKey string `json:"access_key,omitempty" yaml:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`
}

// UploadSpec configures the two-phase upload variant: the first request
// returns a JSON body whose URLField holds the upload URL, the second
// request uploads the payload to that URL.
type UploadSpec struct {
	URLField string `json:"url_field" yaml:"url_field"`
	Method   string `json:"method" yaml:"method"`
}

// Watermark is declared in the schema for incremental extraction but is
// not read or advanced by any execution path.
type Watermark struct {
	Column       string `json:"column" yaml:"column"`
	Table        string `json:"table" yaml:"table"`
	Database     string `json:"database" yaml:"database"`
	InitialValue string `json:"initial_value" yaml:"initial_value"`
}

// IsEnabled reports whether the job should be scheduled. Jobs are
// enabled unless the definition explicitly disables them.
func (j *JobDefinition) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// Timeout returns the per-run timeout.
func (j *JobDefinition) Timeout() time.Duration {
	if j.TimeoutMs <= 0 {
		return DefaultTimeoutMs * time.Millisecond
	}
	return time.Duration(j.TimeoutMs) * time.Millisecond
}

// RetryDelay returns the fixed delay between delivery attempts.
func (o *OutputSpec) RetryDelay() time.Duration {
	if o.RetryDelayMs <= 0 {
		return time.Second
	}
	return time.Duration(o.RetryDelayMs) * time.Millisecond
}

// DatabaseConnections returns the connection entries regardless of
// whether the definition used the single-object or array form.
func (in *InputSource) DatabaseConnections() []ConnectionInput {
	if in.Connection != nil {
		return append([]ConnectionInput{*in.Connection}, in.Connections...)
	}
	return in.Connections
}

// Normalize fills in defaulted fields in place.
func (j *JobDefinition) Normalize() {
	if j.Name == "" {
		j.Name = cases.Title(language.English).String(strings.ReplaceAll(j.ID, "-", " "))
	}
	if j.TimeoutMs == 0 {
		j.TimeoutMs = DefaultTimeoutMs
	}
	for i := range j.Outputs {
		if j.Outputs[i].Format == "" {
			j.Outputs[i].Format = FormatJSON
		}
		if j.Outputs[i].RetryCount <= 0 {
			j.Outputs[i].RetryCount = 1
		}
	}
}

// Validate checks the structural invariants of a job definition.
func (j *JobDefinition) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if !jobIDPattern.MatchString(j.ID) {
		return fmt.Errorf("job id %q must be lowercase alphanumeric with hyphens", j.ID)
	}
	if j.Schedule == "" {
		return fmt.Errorf("job %s: schedule is required", j.ID)
	}
	if j.Transform == "" {
		return fmt.Errorf("job %s: transform is required", j.ID)
	}
	if len(j.Outputs) == 0 {
		return fmt.Errorf("job %s: at least one output is required", j.ID)
	}
	switch j.Input.Kind {
	case InputKindPostgres, InputKindMySQL:
		conns := j.Input.DatabaseConnections()
		if len(conns) == 0 {
			return fmt.Errorf("job %s: at least one database connection is required", j.ID)
		}
		seen := make(map[string]bool, len(conns))
		for _, c := range conns {
			if c.Name == "" {
				return fmt.Errorf("job %s: connection name is required", j.ID)
			}
			if seen[c.Name] {
				return fmt.Errorf("job %s: duplicate connection name %q", j.ID, c.Name)
			}
			seen[c.Name] = true
			if c.Descriptor == nil {
				return fmt.Errorf("job %s: connection %s: descriptor is required", j.ID, c.Name)
			}
			if len(c.Statements) == 0 {
				return fmt.Errorf("job %s: connection %s: at least one statement is required", j.ID, c.Name)
			}
			for _, st := range c.Statements {
				if st.Name == "" || st.SQL == "" {
					return fmt.Errorf("job %s: connection %s: statements need both name and sql", j.ID, c.Name)
				}
			}
		}
	case InputKindHTTP:
		if j.Input.HTTP == nil || j.Input.HTTP.URL == "" {
			return fmt.Errorf("job %s: http input requires a url", j.ID)
		}
	case "":
		return fmt.Errorf("job %s: input type is required", j.ID)
	default:
		return fmt.Errorf("job %s: unsupported input type %q", j.ID, j.Input.Kind)
	}
	for i, out := range j.Outputs {
		switch out.Kind {
		case OutputKindHTTP, OutputKindWebhook:
			if out.URL == "" {
				return fmt.Errorf("job %s: output %d: url is required", j.ID, i)
			}
		case OutputKindFile:
			if out.Path == "" {
				return fmt.Errorf("job %s: output %d: path is required", j.ID, i)
			}
		case OutputKindS3:
			if out.Bucket == "" || out.Key == "" {
				return fmt.Errorf("job %s: output %d: bucket and key are required", j.ID, i)
			}
		default:
			return fmt.Errorf("job %s: output %d: unsupported type %q", j.ID, i, out.Kind)
		}
		if out.Format != FormatJSON && out.Format != FormatCSV {
			return fmt.Errorf("job %s: output %d: unsupported format %q", j.ID, i, out.Format)
		}
	}
	return nil
}
