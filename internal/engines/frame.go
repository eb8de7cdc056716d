package engines

import (
	"database/sql"
	"fmt"

	"github.com/caravel-bi/caravel/internal/domain"
)

// ScanFrame drains a result cursor into a frame. Byte slices are
// materialized as strings so rows survive the cursor.
func ScanFrame(rows *sql.Rows) (*domain.ResultFrame, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, domain.ErrQuery(fmt.Errorf("failed to read result columns: %w", err), "")
	}
	frame := &domain.ResultFrame{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, domain.ErrQuery(fmt.Errorf("failed to scan result row: %w", err), "")
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		frame.Rows = append(frame.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrQuery(fmt.Errorf("result iteration failed: %w", err), "")
	}
	return frame, nil
}
