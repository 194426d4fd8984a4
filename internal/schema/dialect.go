package schema

import (
	"fmt"
	"strings"
)

// Dialect selects the SQL flavour used by the creator and the SQL store.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

func (d Dialect) ColumnType(kind Kind) string {
	if d == DialectSQLite {
		switch kind {
		case KindInt, KindBigInt:
			return "INTEGER"
		case KindFloat:
			return "REAL"
		case KindBoolean:
			return "BOOLEAN"
		case KindDateTime:
			return "DATETIME"
		default:
			return "TEXT"
		}
	}
	switch kind {
	case KindInt:
		return "INTEGER"
	case KindBigInt:
		return "BIGINT"
	case KindFloat:
		return "DOUBLE PRECISION"
	case KindBoolean:
		return "BOOLEAN"
	case KindDateTime:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// Placeholder returns the bind parameter for the n-th (1-based) argument.
func (d Dialect) Placeholder(n int) string {
	if d == DialectSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

func QuoteIdent(input string) string {
	return `"` + strings.ReplaceAll(input, `"`, `""`) + `"`
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}
