package sqlite

import (
	"strings"

	"github.com/nextlevelbuilder/memlens/internal/store"
)

// recordsFrom is the only table reference used by filtered record queries.
// Count, List and Candidates all go through buildFilter with this alias so
// the count and the data can never disagree on the underlying rows.
const recordsFrom = "activity_logs AS a"

const recordColumns = "a.id, a.timestamp, a.app_name, a.window_title, a.text, a.fingerprint, a.rev"

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// buildFilter renders f as a WHERE clause over recordsFrom ("" when f is empty).
func buildFilter(f store.Filter) (string, []any) {
	var conds []string
	var args []any

	if app := store.NormalizeAppName(f.AppName); app != "" {
		pattern := "%" + likeEscaper.Replace(app) + "%"
		conds = append(conds, `(lower(a.app_name) LIKE ? ESCAPE '\' OR replace(lower(a.app_name), '.exe', '') LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	if tr := f.TimeRange; tr != nil {
		if !tr.From.IsZero() {
			conds = append(conds, "a.timestamp >= ?")
			args = append(args, tr.From.UnixMilli())
		}
		if !tr.To.IsZero() {
			conds = append(conds, "a.timestamp < ?")
			args = append(args, tr.To.UnixMilli())
		}
	}
	if f.HasText != nil {
		if *f.HasText {
			conds = append(conds, "(a.text IS NOT NULL AND trim(a.text) != '')")
		} else {
			conds = append(conds, "(a.text IS NULL OR trim(a.text) = '')")
		}
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
