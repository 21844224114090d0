package engine

import "github.com/tidewater-robotics/plan-engine/internal/domain"

// requestQueue holds plan control requests deferred while a vehicle
// command is pending.
type requestQueue struct {
	items []domain.PlanControlRequest
}

func (q *requestQueue) push(req domain.PlanControlRequest) {
	q.items = append(q.items, req)
}

// pushFront puts a request back at the head so it runs before anything
// that arrived after it.
func (q *requestQueue) pushFront(req domain.PlanControlRequest) {
	q.items = append([]domain.PlanControlRequest{req}, q.items...)
}

func (q *requestQueue) pop() (domain.PlanControlRequest, bool) {
	if len(q.items) == 0 {
		return domain.PlanControlRequest{}, false
	}
	req := q.items[0]
	q.items[0] = domain.PlanControlRequest{}
	q.items = q.items[1:]
	return req, true
}

func (q *requestQueue) len() int { return len(q.items) }

// clear drops every queued request without replying and returns how many
// were dropped.
func (q *requestQueue) clear() int {
	n := len(q.items)
	q.items = nil
	return n
}
