// Package sqlutil provides small helpers for building raw SQL against
// Postgres, the storage engine backing the ledger (C1).
package sqlutil

import (
	"fmt"
	"strings"
)

// ValuesPlaceholders returns a Postgres VALUES placeholder list for
// rowCount rows of colCount columns each, e.g. ValuesPlaceholders(3, 2)
// returns "($1,$2,$3),($4,$5,$6)".
func ValuesPlaceholders(colCount, rowCount int) string {
	if colCount <= 0 || rowCount <= 0 {
		panic(fmt.Sprintf("sqlutil: colCount and rowCount must be positive, got %d, %d", colCount, rowCount))
	}
	var sb strings.Builder
	n := 1
	for row := 0; row < rowCount; row++ {
		if row > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('(')
		for col := 0; col < colCount; col++ {
			if col > 0 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", n)
			n++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}
