package postgres

import (
	_ "embed"
	"strings"
)

//go:embed schema.sql
var ddlFile string

// DefaultDDLStatements returns the CREATE statements from schema.sql
// for test setup. It splits on semicolons and trims whitespace.
func DefaultDDLStatements() []string {
	parts := strings.Split(ddlFile, ";")
	var out []string
	for _, p := range parts {
		stmt := strings.TrimSpace(p)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}
