package database

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Descriptor holds everything needed to open a database connection. It
// is always built from fully resolved values, never from raw secret
// references, so the connection cache key reflects the real target.
type Descriptor struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	Region   string
	Timeout  int // seconds
}

func defaultPort(driver string) int {
	if driver == "mysql" {
		return 3306
	}
	return 5432
}

// ParseDescriptor accepts a structured document or a connection URL and
// extracts the connection parameters. Unparseable descriptors are a
// fatal per-connection error.
func ParseDescriptor(driver string, v interface{}) (*Descriptor, error) {
	switch val := v.(type) {
	case string:
		return parseURL(driver, val)
	case map[string]interface{}:
		return parseDocument(driver, val)
	default:
		return nil, fmt.Errorf("unsupported descriptor type %T", v)
	}
}

func parseURL(driver, raw string) (*Descriptor, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid connection url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("connection url %q has no host", redact(raw))
	}

	d := &Descriptor{
		Host:     u.Hostname(),
		Port:     defaultPort(driver),
		Database: strings.TrimPrefix(u.Path, "/"),
		SSLMode:  u.Query().Get("sslmode"),
		Region:   u.Query().Get("region"),
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port in connection url: %w", err)
		}
		d.Port = port
	}
	if u.User != nil {
		d.User = u.User.Username()
		d.Password, _ = u.User.Password()
	}
	if t := u.Query().Get("timeout"); t != "" {
		timeout, err := strconv.Atoi(t)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout in connection url: %w", err)
		}
		d.Timeout = timeout
	}
	return d, nil
}

func parseDocument(driver string, doc map[string]interface{}) (*Descriptor, error) {
	d := &Descriptor{Port: defaultPort(driver)}

	str := func(key string) string {
		if v, ok := doc[key].(string); ok {
			return v
		}
		return ""
	}

	d.Host = str("host")
	d.Database = str("database")
	d.User = str("user")
	d.Password = str("password")
	d.SSLMode = str("sslmode")
	if d.SSLMode == "" {
		d.SSLMode = str("ssl")
	}
	d.Region = str("region")

	if v, ok := doc["port"]; ok {
		switch port := v.(type) {
		case float64:
			d.Port = int(port)
		case int:
			d.Port = port
		case string:
			p, err := strconv.Atoi(port)
			if err != nil {
				return nil, fmt.Errorf("invalid port %q in descriptor", port)
			}
			d.Port = p
		default:
			return nil, fmt.Errorf("invalid port type %T in descriptor", v)
		}
	}
	if v, ok := doc["timeout"]; ok {
		switch timeout := v.(type) {
		case float64:
			d.Timeout = int(timeout)
		case int:
			d.Timeout = timeout
		case string:
			t, err := strconv.Atoi(timeout)
			if err != nil {
				return nil, fmt.Errorf("invalid timeout %q in descriptor", timeout)
			}
			d.Timeout = t
		default:
			return nil, fmt.Errorf("invalid timeout type %T in descriptor", v)
		}
	}

	if d.Host == "" {
		return nil, fmt.Errorf("descriptor has no host")
	}
	if d.Database == "" {
		return nil, fmt.Errorf("descriptor has no database")
	}
	return d, nil
}

// DSN renders the driver-specific connection string.
func (d *Descriptor) DSN(driver string) (string, error) {
	switch driver {
	case "postgres":
		parts := []string{
			fmt.Sprintf("host=%s", d.Host),
			fmt.Sprintf("port=%d", d.Port),
			fmt.Sprintf("dbname=%s", d.Database),
		}
		if d.User != "" {
			parts = append(parts, fmt.Sprintf("user=%s", d.User))
		}
		if d.Password != "" {
			parts = append(parts, fmt.Sprintf("password=%s", d.Password))
		}
		sslmode := d.SSLMode
		if sslmode == "" {
			sslmode = "disable"
		}
		parts = append(parts, fmt.Sprintf("sslmode=%s", sslmode))
		if d.Timeout > 0 {
			parts = append(parts, fmt.Sprintf("connect_timeout=%d", d.Timeout))
		}
		return strings.Join(parts, " "), nil
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", d.User, d.Password, d.Host, d.Port, d.Database)
		params := url.Values{}
		params.Set("parseTime", "true")
		if d.Timeout > 0 {
			params.Set("timeout", fmt.Sprintf("%ds", d.Timeout))
		}
		return dsn + "?" + params.Encode(), nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Metadata returns the non-sensitive connection attributes exposed to
// transforms alongside query results.
func (d *Descriptor) Metadata() map[string]interface{} {
	return map[string]interface{}{
		"database": d.Database,
		"region":   d.Region,
		"host":     d.Host,
		"port":     d.Port,
		"user":     d.User,
		"ssl":      d.SSLMode,
	}
}

func redact(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.User != nil {
		u.User = url.User(u.User.Username())
		return u.String()
	}
	return raw
}
