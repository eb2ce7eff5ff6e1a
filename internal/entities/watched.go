package entities

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Discard variable substitutions recognised in a WatchedFile's discard path
// template.
const (
	varRealpath = "$REALPATH"
	varDirname  = "$DIRNAME"
	varFilename = "$FILENAME"
	varBasename = "$BASENAME"
	varExt      = "$EXTENSION"
)

// WatchedFile is the configuration-time binding of a glob path to a Format
// and a Table, with an optional discard path template.
//
// Invariant: every name in Table.Params appears in Format.Captures. This is
// checked once, here, rather than on Table or Format individually, because
// the same Table or Format may in principle be reused by a different pairing
// elsewhere in the configuration.
type WatchedFile struct {
	PathGlob string
	Format   *Format
	Table    *Table

	// ParamCaptureIndex maps each Table.Params[i] to its index into
	// Format.Captures, so the parser can emit row values in table-parameter
	// order without a lookup per row.
	ParamCaptureIndex []int

	// DiscardTemplate is the optional path template for the discard sink.
	// Empty means discarded content is dropped silently.
	DiscardTemplate string
}

// NewWatchedFile validates that every table.Params name resolves to a
// format capture group and builds the parameter-to-capture index mapping.
func NewWatchedFile(pathGlob string, format *Format, table *Table, discardTemplate string) (*WatchedFile, error) {
	if pathGlob == "" {
		return nil, fmt.Errorf("entities: watched file: path is required")
	}
	if format == nil || table == nil {
		return nil, fmt.Errorf("entities: watched file %q: format and table are required", pathGlob)
	}

	idx := make([]int, len(table.Params))
	for i, p := range table.Params {
		ci, ok := format.CaptureIndex(p)
		if !ok {
			return nil, fmt.Errorf("entities: watched file %q: table %q parameter %q is not a capture group of format %q",
				pathGlob, table.Name, p, format.Name)
		}
		idx[i] = ci
	}

	return &WatchedFile{
		PathGlob:          pathGlob,
		Format:            format,
		Table:             table,
		ParamCaptureIndex: idx,
		DiscardTemplate:   discardTemplate,
	}, nil
}

// DiscardPath expands DiscardTemplate's variable substitutions for the
// given real (resolved) file path. It returns "" if no template is set.
func (wf *WatchedFile) DiscardPath(realpath string) string {
	if wf.DiscardTemplate == "" {
		return ""
	}
	dir := filepath.Dir(realpath)
	base := filepath.Base(realpath)
	ext := filepath.Ext(base)
	filename := strings.TrimSuffix(base, ext)

	r := strings.NewReplacer(
		varRealpath, realpath,
		varDirname, dir,
		varFilename, filename,
		varBasename, base,
		varExt, strings.TrimPrefix(ext, "."),
	)
	return r.Replace(wf.DiscardTemplate)
}

// WatchedDirectory is a directory path plus the ordered list of watched-file
// descriptors applicable inside it.
//
// Invariant: within a directory, file-name patterns are unique; the first
// matching descriptor in Files wins, which MatchName implements directly by
// returning on first match.
type WatchedDirectory struct {
	Path  string
	Files []*WatchedFile
}

// NewWatchedDirectory builds a WatchedDirectory from path and its file
// descriptors, each of whose PathGlob is expected to be relative to path
// (just the glob pattern, e.g. "*.log").
func NewWatchedDirectory(path string, files []*WatchedFile) (*WatchedDirectory, error) {
	if path == "" {
		return nil, fmt.Errorf("entities: watched directory: path is required")
	}
	return &WatchedDirectory{Path: path, Files: files}, nil
}

// MatchName returns the first WatchedFile whose PathGlob matches name (a
// bare filename, no directory component), or nil if none match.
func (wd *WatchedDirectory) MatchName(name string) *WatchedFile {
	for _, wf := range wd.Files {
		ok, err := filepath.Match(wf.PathGlob, name)
		if err == nil && ok {
			return wf
		}
	}
	return nil
}
