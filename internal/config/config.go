// Package config loads and validates the YAML configuration file and
// builds the immutable, configuration-derived objects (formats, tables,
// watched-file/watched-directory descriptors, and the writer's tunables)
// shared by the watcher, parser, and writer.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/torrentg/log2pg/internal/entities"
	"github.com/torrentg/log2pg/internal/writer"
)

// raw mirrors the on-disk YAML schema exactly (§6's flat, libconfig-style
// grouping). yaml.v3's KnownFields(true) decoder option rejects any key not
// named here, implementing the "unknown-child-name check at parse time".
type raw struct {
	Syslog   syslogRaw   `yaml:"syslog"`
	Database databaseRaw `yaml:"database"`
	Formats  []formatRaw `yaml:"formats"`
	Tables   []tableRaw  `yaml:"tables"`
	Files    []fileRaw   `yaml:"files"`
}

type syslogRaw struct {
	Facility string `yaml:"facility"`
	Level    string `yaml:"level"`
	Tag      string `yaml:"tag"`
}

type databaseRaw struct {
	ConnectionURL          string         `yaml:"connection-url"`
	RetryIntervalMS        int            `yaml:"retry-interval"`
	MaxFailedReconnections int            `yaml:"max-failed-reconnections"`
	Transaction            transactionRaw `yaml:"transaction"`
}

type transactionRaw struct {
	MaxInserts    int `yaml:"max-inserts"`
	MaxDurationMS int `yaml:"max-duration"`
	IdleTimeoutMS int `yaml:"idle-timeout"`
}

type formatRaw struct {
	Name      string `yaml:"name"`
	MaxLength int    `yaml:"maxlength"`
	Starts    string `yaml:"starts"`
	Ends      string `yaml:"ends"`
	Values    string `yaml:"values"`
}

type tableRaw struct {
	Name string `yaml:"name"`
	SQL  string `yaml:"sql"`
}

type fileRaw struct {
	Path    string `yaml:"path"`
	Format  string `yaml:"format"`
	Table   string `yaml:"table"`
	Discard string `yaml:"discard"`
}

// Syslog holds the diagnostic-output settings carried from the syslog
// section. Level selects the slog handler's minimum severity and Tag is the
// attribute attached to every log line; Facility is carried but not used,
// as there is no real syslog sink.
type Syslog struct {
	Facility string
	Level    string
	Tag      string
}

// Config is the fully resolved, ready-to-use configuration: the writer's
// tunables plus every watched directory, with formats and tables already
// linked and validated.
type Config struct {
	Syslog      Syslog
	Writer      writer.Config
	Tables      []*entities.Table
	Directories []*entities.WatchedDirectory
}

const defaultSyslogFacility = "local7"
const defaultSyslogLevel = "info"
const defaultSyslogTag = "log2pg"

// LoadConfig reads the YAML file at path, rejects unknown keys, applies
// defaults, validates every section, and resolves formats/tables/files
// into their runtime entities. It returns a typed error joining every
// violation found, not just the first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var r raw
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&r)

	if err := validate(&r); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	cfg, err := resolve(&r)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

func applyDefaults(r *raw) {
	if r.Syslog.Facility == "" {
		r.Syslog.Facility = defaultSyslogFacility
	}
	if r.Syslog.Level == "" {
		r.Syslog.Level = defaultSyslogLevel
	}
	if r.Syslog.Tag == "" {
		r.Syslog.Tag = defaultSyslogTag
	}
	if r.Database.RetryIntervalMS <= 0 {
		r.Database.RetryIntervalMS = int(writer.DefaultRetryInterval / time.Millisecond)
	}
	if r.Database.MaxFailedReconnections <= 0 {
		r.Database.MaxFailedReconnections = writer.DefaultMaxFailedReconnections
	}
	if r.Database.Transaction.MaxInserts <= 0 {
		r.Database.Transaction.MaxInserts = writer.DefaultMaxInserts
	}
	if r.Database.Transaction.MaxDurationMS <= 0 {
		r.Database.Transaction.MaxDurationMS = int(writer.DefaultMaxDuration / time.Millisecond)
	}
	if r.Database.Transaction.IdleTimeoutMS <= 0 {
		r.Database.Transaction.IdleTimeoutMS = int(writer.DefaultIdleTimeout / time.Millisecond)
	}
	for i := range r.Formats {
		if r.Formats[i].MaxLength <= 0 {
			r.Formats[i].MaxLength = entities.DefaultMaxLength
		}
	}
}

var validSyslogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func validate(r *raw) error {
	var errs []error

	if !validSyslogLevels[r.Syslog.Level] {
		errs = append(errs, fmt.Errorf("syslog.level %q must be one of: debug, info, warn, error", r.Syslog.Level))
	}

	if r.Database.ConnectionURL == "" {
		errs = append(errs, errors.New("database.connection-url is required"))
	}
	if r.Database.Transaction.IdleTimeoutMS > r.Database.Transaction.MaxDurationMS {
		errs = append(errs, fmt.Errorf("database.transaction.idle-timeout (%dms) must be <= max-duration (%dms)",
			r.Database.Transaction.IdleTimeoutMS, r.Database.Transaction.MaxDurationMS))
	}

	seenFormats := make(map[string]bool, len(r.Formats))
	for i, f := range r.Formats {
		prefix := fmt.Sprintf("formats[%d]", i)
		if f.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if seenFormats[f.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate format name %q", prefix, f.Name))
		}
		seenFormats[f.Name] = true

		if f.MaxLength < entities.MinMaxLength {
			errs = append(errs, fmt.Errorf("%s: maxlength %d below minimum %d", prefix, f.MaxLength, entities.MinMaxLength))
		}
		if f.Values == "" {
			errs = append(errs, fmt.Errorf("%s: values is required", prefix))
		}
	}

	seenTables := make(map[string]bool, len(r.Tables))
	for i, tb := range r.Tables {
		prefix := fmt.Sprintf("tables[%d]", i)
		if tb.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if seenTables[tb.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate table name %q", prefix, tb.Name))
		}
		seenTables[tb.Name] = true
		if tb.SQL == "" {
			errs = append(errs, fmt.Errorf("%s: sql is required", prefix))
		}
	}

	for i, fl := range r.Files {
		prefix := fmt.Sprintf("files[%d]", i)
		if fl.Path == "" {
			errs = append(errs, fmt.Errorf("%s: path is required", prefix))
		}
		if fl.Format == "" {
			errs = append(errs, fmt.Errorf("%s: format is required", prefix))
		} else if !seenFormats[fl.Format] {
			errs = append(errs, fmt.Errorf("%s: format %q does not resolve to any [[formats]] entry", prefix, fl.Format))
		}
		if fl.Table == "" {
			errs = append(errs, fmt.Errorf("%s: table is required", prefix))
		} else if !seenTables[fl.Table] {
			errs = append(errs, fmt.Errorf("%s: table %q does not resolve to any [[tables]] entry", prefix, fl.Table))
		}
	}

	return errors.Join(errs...)
}

// resolve builds the immutable entities.Format/entities.Table/
// entities.WatchedFile/entities.WatchedDirectory objects from a validated
// raw configuration, grouping files by their containing directory.
func resolve(r *raw) (*Config, error) {
	formats := make(map[string]*entities.Format, len(r.Formats))
	for _, f := range r.Formats {
		format, err := entities.NewFormat(f.Name, f.MaxLength, f.Starts, f.Ends, f.Values)
		if err != nil {
			return nil, err
		}
		formats[f.Name] = format
	}

	tables := make(map[string]*entities.Table, len(r.Tables))
	var tableList []*entities.Table
	for _, tb := range r.Tables {
		table, err := entities.NewTable(tb.Name, tb.SQL)
		if err != nil {
			return nil, err
		}
		tables[tb.Name] = table
		tableList = append(tableList, table)
	}

	byDir := make(map[string][]*entities.WatchedFile)
	var dirOrder []string
	for _, fl := range r.Files {
		dir := filepath.Dir(fl.Path)
		glob := filepath.Base(fl.Path)

		wf, err := entities.NewWatchedFile(glob, formats[fl.Format], tables[fl.Table], fl.Discard)
		if err != nil {
			return nil, err
		}
		if _, ok := byDir[dir]; !ok {
			dirOrder = append(dirOrder, dir)
		}
		byDir[dir] = append(byDir[dir], wf)
	}

	var dirs []*entities.WatchedDirectory
	for _, dir := range dirOrder {
		wd, err := entities.NewWatchedDirectory(dir, byDir[dir])
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, wd)
	}

	return &Config{
		Syslog: Syslog{
			Facility: r.Syslog.Facility,
			Level:    r.Syslog.Level,
			Tag:      r.Syslog.Tag,
		},
		Writer: writer.Config{
			ConnectionURL:          r.Database.ConnectionURL,
			RetryInterval:          time.Duration(r.Database.RetryIntervalMS) * time.Millisecond,
			MaxFailedReconnections: r.Database.MaxFailedReconnections,
			MaxInserts:             r.Database.Transaction.MaxInserts,
			MaxDuration:            time.Duration(r.Database.Transaction.MaxDurationMS) * time.Millisecond,
			IdleTimeout:            time.Duration(r.Database.Transaction.IdleTimeoutMS) * time.Millisecond,
		},
		Tables:      tableList,
		Directories: dirs,
	}, nil
}
