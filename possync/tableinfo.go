package possync

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// tableColumnsTx returns the column set of a domain table, inside the pull
// transaction. Incoming payload fields are intersected with it so a newer
// remote schema cannot break a not-yet-migrated local store.
func tableColumnsTx(ctx context.Context, tx *sql.Tx, table string) (map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read table info for %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}
		cols[strings.ToLower(name)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate table info for %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s does not exist locally", table)
	}
	return cols, nil
}

// upsertRowTx writes one record into its domain table with INSERT OR
// REPLACE, using only the payload fields that exist as local columns.
func upsertRowTx(ctx context.Context, tx *sql.Tx, table string, fields map[string]any) error {
	cols, err := tableColumnsTx(ctx, tx, table)
	if err != nil {
		return err
	}

	var names []string
	for field := range fields {
		if _, ok := cols[strings.ToLower(field)]; ok {
			names = append(names, field)
		}
	}
	if len(names) == 0 {
		return fmt.Errorf("no payload field matches a column of %s", table)
	}
	sort.Strings(names)

	quoted := make([]string, len(names))
	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		quoted[i] = fmt.Sprintf("%q", name)
		placeholders[i] = "?"
		args[i] = fields[name]
	}

	query := fmt.Sprintf(`INSERT OR REPLACE INTO %q (%s) VALUES (%s)`,
		table, strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", table, err)
	}
	return nil
}
