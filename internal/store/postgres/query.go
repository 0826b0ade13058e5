package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// listQuery appends the ListOpts time filter, ordering and pagination to
// base, which must already contain a WHERE clause.
func listQuery(base, timeCol, order string, args []any, opts domain.ListOpts) (string, []any) {
	var b strings.Builder
	b.WriteString(base)
	next := len(args) + 1

	if opts.Since != nil {
		fmt.Fprintf(&b, " AND %s >= $%d", timeCol, next)
		args = append(args, *opts.Since)
		next++
	}
	if opts.Until != nil {
		fmt.Fprintf(&b, " AND %s < $%d", timeCol, next)
		args = append(args, *opts.Until)
		next++
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(order)
	if opts.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT $%d", next)
		args = append(args, opts.Limit)
		next++
	}
	if opts.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET $%d", next)
		args = append(args, opts.Offset)
	}
	return b.String(), args
}
