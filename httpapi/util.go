package httpapi

import (
	"github.com/owldb-live/resourcedb/internal/apperr"
	"github.com/owldb-live/resourcedb/internal/filter"
)

func filterAnd(a, b *filter.Node) *filter.Node {
	return filter.And(a, b)
}

// apperr500 wraps an unexpected internal error (a DB/KV failure, not a
// request-shape problem) for §7's "internal errors propagate as 5xx"
// policy.
func apperr500(err error) error {
	return apperr.Wrap(apperr.KindInternal, "internal error", err)
}
