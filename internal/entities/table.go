package entities

import (
	"fmt"
	"regexp"
)

// MaxTableParams is the largest number of distinct $name parameters a table
// template may declare (PostgreSQL's own positional-parameter limit is much
// higher; this is the spec's own, tighter bound).
const MaxTableParams = 99

// paramPattern matches a $name placeholder: a dollar sign followed by an
// identifier (letters, digits, underscore; must not start with a digit).
var paramPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)

// Table is a named SQL insert template with $name parameter placeholders,
// plus the ordered, de-duplicated list of parameter names derived from it.
type Table struct {
	Name string

	// Template is the SQL exactly as configured, with $name placeholders.
	Template string

	// Params is the ordered list of distinct parameter names, in the order
	// each name's first occurrence appears in Template.
	Params []string

	// PositionalSQL is Template with every $name replaced by its 1-based
	// ordinal position ($1, $2, ...), ready to hand to the database driver.
	PositionalSQL string
}

// NewTable parses sql for $name placeholders and builds a Table. It returns
// an error if sql declares no parameters, more than MaxTableParams distinct
// parameters, or is otherwise empty.
func NewTable(name, sql string) (*Table, error) {
	if name == "" {
		return nil, fmt.Errorf("entities: table: name is required")
	}
	if sql == "" {
		return nil, fmt.Errorf("entities: table %q: sql is required", name)
	}

	seen := make(map[string]int, 8) // name -> 1-based ordinal
	var params []string

	positional := paramPattern.ReplaceAllStringFunc(sql, func(match string) string {
		pname := match[1:]
		ord, ok := seen[pname]
		if !ok {
			params = append(params, pname)
			ord = len(params)
			seen[pname] = ord
		}
		return fmt.Sprintf("$%d", ord)
	})

	if len(params) == 0 {
		return nil, fmt.Errorf("entities: table %q: sql declares no $name parameters", name)
	}
	if len(params) > MaxTableParams {
		return nil, fmt.Errorf("entities: table %q: %d distinct parameters exceeds limit of %d", name, len(params), MaxTableParams)
	}

	return &Table{
		Name:          name,
		Template:      sql,
		Params:        params,
		PositionalSQL: positional,
	}, nil
}
