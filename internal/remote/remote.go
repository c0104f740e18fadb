package remote

import (
	"errors"
	"sort"

	"github.com/example/fieldsync/internal/types"
)

// ErrUnreachable is returned when the remote store cannot be contacted.
var ErrUnreachable = errors.New("remote store unreachable")

// idColumn is the server-assigned key returned for an inserted row.
func idColumn(kind types.Kind) string {
	return string(kind) + "_id"
}

func sortedColumns(cols map[string]any) []string {
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
