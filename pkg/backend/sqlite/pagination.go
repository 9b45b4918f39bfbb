package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/openworkflowdev/openworkflow-go/pkg/backend"
)

const defaultPageLimit = 20

func paginate[T any](
	ctx context.Context,
	db *sql.DB,
	selectCols, table, extraWhere string,
	extraArgs []any,
	p backend.Pagination,
	scan func(rowScanner) (T, error),
	key func(T) backend.Cursor,
) (*backend.Page[T], error) {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}

	descending := p.Before != ""

	where := []string{}
	if extraWhere != "" {
		where = append(where, extraWhere)
	}
	args := append([]any{}, extraArgs...)

	switch {
	case p.After != "":
		cur, err := backend.DecodeCursor(p.After)
		if err != nil {
			return nil, err
		}
		args = append(args, formatTime(cur.CreatedAt), cur.ID)
		where = append(where, "(created_at, id) > (?, ?)")
	case p.Before != "":
		cur, err := backend.DecodeCursor(p.Before)
		if err != nil {
			return nil, err
		}
		args = append(args, formatTime(cur.CreatedAt), cur.ID)
		where = append(where, "(created_at, id) < (?, ?)")
	}

	order := "ASC"
	if descending {
		order = "DESC"
	}

	args = append(args, limit+1)
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY created_at %s, id %s LIMIT ?",
		selectCols, table, whereClause(where), order, order,
	)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list query: %w", err)
	}
	defer rows.Close()

	items := make([]T, 0, limit+1)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan list row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}

	page := &backend.Page[T]{Items: items}
	if descending {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
		page.Items = items
		page.HasPrev = hasMore
		page.HasNext = true
	} else {
		page.HasNext = hasMore
		page.HasPrev = p.After != ""
	}

	if len(page.Items) > 0 {
		page.NextCursor = key(page.Items[len(page.Items)-1]).Encode()
		page.PrevCursor = key(page.Items[0]).Encode()
	}

	return page, nil
}

func whereClause(parts []string) string {
	if len(parts) == 0 {
		return "1=1"
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += " AND " + p
	}
	return out
}
