package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strings"
)

// contentHash accumulates a database's schema and rows into one checksum.
type contentHash struct {
	h hash.Hash
}

func newContentHash() *contentHash {
	h := sha256.New()
	h.Write([]byte("scenariodb/content/v1"))
	h.Write([]byte{0})
	return &contentHash{h: h}
}

func (c *contentHash) add(fields ...string) {
	for _, f := range fields {
		c.h.Write([]byte(f))
		c.h.Write([]byte{0})
	}
	c.h.Write([]byte{'\n'})
}

// addRows hashes the rows returned by query. Rows are sorted first since
// neither engine guarantees an order without ORDER BY.
func (c *contentHash) addRows(ctx context.Context, db *sql.DB, table, query string) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("reading rows of %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("reading columns of %s: %w", table, err)
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	var lines []string
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("reading rows of %s: %w", table, err)
		}
		parts := make([]string, len(values))
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			parts[i] = fmt.Sprintf("%T:%v", v, v)
		}
		lines = append(lines, strings.Join(parts, "\x1f"))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading rows of %s: %w", table, err)
	}
	sort.Strings(lines)

	c.add("rows", table, strings.Join(cols, ","))
	for _, l := range lines {
		c.add(l)
	}
	return nil
}

func (c *contentHash) hex() string {
	return hex.EncodeToString(c.h.Sum(nil))
}

// quoteIdent quotes an identifier for both SQLite and PostgreSQL.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteLiteral quotes a string literal for both SQLite and PostgreSQL.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
