package seed

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"scenariodb/internal/scenario"
)

// fixture is a YAML file mapping table names to the rows to insert:
//
//	users:
//	  - {id: 1, name: alice}
//	  - {id: 2, name: bob}
//
// Tables are filled in file order so foreign keys can point backwards.
type fixture struct {
	tables []fixtureTable
}

type fixtureTable struct {
	name string
	rows []map[string]any
}

func (f *fixture) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: fixture must map table names to rows", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var t fixtureTable
		t.name = node.Content[i].Value
		if err := node.Content[i+1].Decode(&t.rows); err != nil {
			return fmt.Errorf("table %s: %w", t.name, err)
		}
		f.tables = append(f.tables, t)
	}
	return nil
}

func (r *Registry) fixture(path string) Func {
	return func(ctx context.Context, tx *sql.Tx) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		var f fixture
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		for _, t := range f.tables {
			for _, row := range t.rows {
				query, args := r.insert(t.name, row)
				if _, err := tx.ExecContext(ctx, query, args...); err != nil {
					return fmt.Errorf("seeding %s from %s: %w", t.name, path, err)
				}
			}
		}
		return nil
	}
}

// insert builds an INSERT for one row, with columns in sorted order.
func (r *Registry) insert(table string, row map[string]any) (string, []any) {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		marks[i] = r.placeholder(i + 1)
		args[i] = row[c]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	return query, args
}

func (r *Registry) placeholder(n int) string {
	if r.driver == scenario.DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
