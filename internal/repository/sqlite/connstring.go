package sqlite

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingConnectionString is returned for an empty connection string.
	ErrMissingConnectionString = errors.New("connection string is empty")
	// ErrMalformedConnectionString is returned when a connection string cannot be parsed.
	ErrMalformedConnectionString = errors.New("malformed connection string")
)

const memoryPath = ":memory:"

// DataSource is the parsed form of a sqlite connection string.
type DataSource struct {
	Path     string
	ReadOnly bool
	Memory   bool
}

// DSN renders the data source in the form understood by modernc.org/sqlite.
func (d DataSource) DSN() string {
	switch {
	case d.Memory:
		return memoryPath
	case d.ReadOnly:
		return "file:" + d.Path + "?mode=ro"
	default:
		return d.Path
	}
}

// ParseConnectionString accepts ADO-style "Data Source=app.db;Mode=ReadOnly"
// strings as well as a bare file path.
func ParseConnectionString(raw string) (DataSource, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DataSource{}, ErrMissingConnectionString
	}

	if !strings.Contains(raw, "=") {
		if strings.Contains(raw, ";") {
			return DataSource{}, fmt.Errorf("%w: %q", ErrMalformedConnectionString, raw)
		}
		if raw == memoryPath {
			return DataSource{Memory: true}, nil
		}
		return DataSource{Path: raw}, nil
	}

	var ds DataSource
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, "=")
		if idx <= 0 {
			return DataSource{}, fmt.Errorf("%w: segment %q", ErrMalformedConnectionString, part)
		}
		key := strings.ToLower(strings.Join(strings.Fields(part[:idx]), ""))
		value := strings.Trim(strings.TrimSpace(part[idx+1:]), `"'`)

		switch key {
		case "datasource", "filename":
			if value == memoryPath {
				ds.Memory = true
				continue
			}
			ds.Path = value
		case "mode":
			switch strings.ToLower(value) {
			case "memory":
				ds.Memory = true
			case "readonly":
				ds.ReadOnly = true
			case "readwrite", "readwritecreate":
			default:
				return DataSource{}, fmt.Errorf("%w: unknown mode %q", ErrMalformedConnectionString, value)
			}
		}
	}

	if !ds.Memory && ds.Path == "" {
		return DataSource{}, fmt.Errorf("%w: no data source", ErrMalformedConnectionString)
	}
	return ds, nil
}
