package httpapi

import (
	"context"
	"strings"

	"github.com/owldb-live/resourcedb/internal/db"
	"github.com/owldb-live/resourcedb/internal/value"
)

// applyInclude eager-loads related resources by foreign key, the
// SUPPLEMENTED FEATURE named in SPEC_FULL.md's projection section. Each
// name in includes is assumed to be both a resource and the field
// `<name>Id` on rec pointing at that resource's `id`; the related row is
// embedded under the key `name`. depth bounds recursive includes
// (`include=author.team`) to maxDepth, the "Cyclic graph concern" guard.
func applyInclude(ctx context.Context, tx db.Tx, rec value.Record, includes []string, maxDepth int) map[string]any {
	out := rec.ToJSON()
	if maxDepth <= 0 {
		return out
	}
	for _, spec := range includes {
		if spec == "" {
			continue
		}
		head, rest, _ := strings.Cut(spec, ".")
		fkField := head + "Id"
		fk, ok := rec[fkField]
		if !ok || fk.IsNull() {
			continue
		}
		related, found, err := tx.SelectByID(ctx, head, fk.AsString())
		if err != nil || !found {
			continue
		}
		var childIncludes []string
		if rest != "" {
			childIncludes = []string{rest}
		}
		out[head] = applyInclude(ctx, tx, related, childIncludes, maxDepth-1)
	}
	return out
}

// applySelect restricts a projected record to an explicit field allow-list.
// "id" is always kept so a client can correlate rows even when it forgot
// to ask for it.
func applySelect(rec map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return rec
	}
	allow := make(map[string]bool, len(fields)+1)
	allow["id"] = true
	for _, f := range fields {
		if f != "" {
			allow[f] = true
		}
	}
	out := make(map[string]any, len(allow))
	for k, v := range rec {
		if allow[k] {
			out[k] = v
		}
	}
	return out
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
