package metrics

import (
	"fmt"
	"io"

	vm "github.com/VictoriaMetrics/metrics"
)

var (
	CommentsCreated = vm.NewCounter(`grim_comments_created_total`)
	CommentsEdited  = vm.NewCounter(`grim_comments_edited_total`)
	CommentsDeleted = vm.NewCounter(`grim_comments_deleted_total`)
	CommentQueries  = vm.NewCounter(`grim_comment_queries_total`)

	ExpiryScheduled = vm.NewCounter(`grim_expiry_scheduled_total`)
	ExpiryCanceled  = vm.NewCounter(`grim_expiry_canceled_total`)
	ExpiryFired     = vm.NewCounter(`grim_expiry_fired_total`)
	ExpiryFailed    = vm.NewCounter(`grim_expiry_failed_total`)
	SweepDuration   = vm.NewHistogram(`grim_expiry_sweep_duration_seconds`)

	RateLimited = vm.NewCounter(`grim_rate_limited_total`)
)

// Votes counts votes by direction ("up", "down", "none").
func Votes(direction string) *vm.Counter {
	return vm.GetOrCreateCounter(fmt.Sprintf(`grim_comment_votes_total{direction=%q}`, direction))
}

// Requests counts served HTTP requests by route and status code.
func Requests(route string, status int) *vm.Counter {
	return vm.GetOrCreateCounter(fmt.Sprintf(`grim_http_requests_total{route=%q,status="%d"}`, route, status))
}

func WritePrometheus(w io.Writer) {
	vm.WritePrometheus(w, true)
}
