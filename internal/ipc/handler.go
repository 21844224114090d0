// Package ipc provides the HTTP API of the plan engine.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-robotics/plan-engine/internal/bridge"
	"github.com/tidewater-robotics/plan-engine/internal/domain"
	"github.com/tidewater-robotics/plan-engine/internal/store"
	"github.com/tidewater-robotics/plan-engine/internal/vehicle"
)

// Submitter hands events to the engine control loop.
type Submitter interface {
	Submit(ctx context.Context, ev domain.Event) error
}

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Engine         Submitter
	Bridge         *bridge.Bridge
	Plans          *store.PlanDB
	ReplyTimeout   time.Duration
	StreamInterval time.Duration
	Version        string

	reqCtr atomic.Uint32
}

// PlanControlBody is the body for POST /api/v1/plan-control.
type PlanControlBody struct {
	Op        domain.Operation   `json:"op"`
	PlanID    string             `json:"plan_id"`
	Calibrate bool               `json:"calibrate"`
	Arg       *domain.RequestArg `json:"arg,omitempty"`
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	State   string `json:"state,omitempty"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Version: h.Version}
	if s, ok := h.Bridge.LatestState(); ok {
		resp.State = string(s.State)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetState handles GET /api/v1/state.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	s, ok := h.Bridge.LatestState()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, APIError{Code: domain.ErrEngineStopped.Code, Message: "no state reported yet"})
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// PlanControl handles POST /api/v1/plan-control. It submits the request
// and waits for the engine's reply.
func (h *Handler) PlanControl(w http.ResponseWriter, r *http.Request) {
	var body PlanControlBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if body.Op == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "op is required"})
		return
	}

	req := domain.PlanControlRequest{
		Op:        body.Op,
		PlanID:    body.PlanID,
		Arg:       body.Arg,
		RequestID: h.reqCtr.Add(1),
		Requester: "http-" + uuid.NewString(),
	}
	if body.Calibrate {
		req.Flags |= domain.FlagCalibrate
	}

	reply, err := h.await(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if reply.Type == domain.ReplyFailure {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, reply)
}

// await submits req and returns the first reply addressed to it.
func (h *Handler) await(ctx context.Context, req domain.PlanControlRequest) (domain.PlanControlReply, error) {
	msgs, cancel := h.Bridge.Subscribe(64)
	defer cancel()

	timeout := h.ReplyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, stop := context.WithTimeout(ctx, timeout)
	defer stop()

	if err := h.Engine.Submit(ctx, req); err != nil {
		return domain.PlanControlReply{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return domain.PlanControlReply{}, domain.ErrReplyTimeout
		case m, ok := <-msgs:
			if !ok {
				return domain.PlanControlReply{}, domain.ErrEngineStopped
			}
			if m.Kind != bridge.KindReply {
				continue
			}
			if m.Reply.Requester == req.Requester && m.Reply.RequestID == req.RequestID {
				return *m.Reply, nil
			}
		}
	}
}

// ListPlans handles GET /api/v1/plans.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Plans.ListPlans(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if plans == nil {
		plans = []store.PlanSummary{}
	}
	writeJSON(w, http.StatusOK, plans)
}

// GetPlan handles GET /api/v1/plans/{planID}.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	spec, err := h.Plans.FindPlan(r.Context(), r.PathValue("planID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

// ListRuns handles GET /api/v1/plans/{planID}/runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Plans.ListRuns(r.Context(), r.PathValue("planID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []domain.PlanRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// PutPlan handles PUT /api/v1/plans/{planID}. The change is applied by the
// engine, so the response only acknowledges it.
func (h *Handler) PutPlan(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("planID")
	var spec domain.PlanSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid plan specification"})
		return
	}
	if spec.PlanID != "" && spec.PlanID != planID {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "plan_id does not match path"})
		return
	}
	spec.PlanID = planID

	n := domain.PlanDBNotification{Op: domain.PlanDBSet, PlanID: planID, Spec: &spec}
	if err := h.Engine.Submit(r.Context(), n); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"plan_id": planID, "op": string(n.Op)})
}

// DeletePlan handles DELETE /api/v1/plans/{planID}.
func (h *Handler) DeletePlan(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("planID")
	if _, err := h.Plans.FindPlan(r.Context(), planID); err != nil {
		writeError(w, err)
		return
	}
	n := domain.PlanDBNotification{Op: domain.PlanDBDelete, PlanID: planID}
	if err := h.Engine.Submit(r.Context(), n); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"plan_id": planID, "op": string(n.Op)})
}

// Feedback handles POST /api/v1/feedback/{kind}: vehicle feedback injected
// over HTTP instead of the controller link.
func (h *Handler) Feedback(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	ev, err := vehicle.DecodeEvent(r.PathValue("kind"), data)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Engine.Submit(r.Context(), ev); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListEvents handles GET /api/v1/events?plan_id=P&since_seq=N&limit=L.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sinceSeq := queryInt(q.Get("since_seq"))
	limit := int(queryInt(q.Get("limit")))

	events, err := h.Plans.ListEvents(r.Context(), q.Get("plan_id"), sinceSeq, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.PlanEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// StreamEvents handles GET /api/v1/events/stream?plan_id=P (SSE).
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	planID := r.URL.Query().Get("plan_id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Send initial batch of events.
	lastSeq := queryInt(r.URL.Query().Get("since_seq"))
	events, err := h.Plans.ListEvents(r.Context(), planID, lastSeq, 0)
	if err != nil {
		writeSSEError(w, flusher, err)
		return
	}
	for _, ev := range events {
		writeSSEEvent(w, flusher, ev)
		lastSeq = ev.SeqNo
	}
	flusher.Flush()

	interval := h.StreamInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ctx := r.Context()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			newEvents, err := h.Plans.ListEvents(ctx, planID, lastSeq, 0)
			if err != nil {
				return
			}
			for _, ev := range newEvents {
				writeSSEEvent(w, flusher, ev)
				lastSeq = ev.SeqNo
			}
		}
	}
}

func queryInt(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		status := http.StatusInternalServerError
		switch engErr.Code {
		case domain.ErrPlanNotFound.Code, domain.ErrMementoNotFound.Code:
			status = http.StatusNotFound
		case domain.ErrUnknownEvent.Code, domain.ErrInvalidPayload.Code, domain.ErrPlanParse.Code:
			status = http.StatusBadRequest
		case domain.ErrReplyTimeout.Code:
			status = http.StatusGatewayTimeout
		case domain.ErrEngineStopped.Code:
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeJSON(w, http.StatusGatewayTimeout, APIError{Code: domain.ErrReplyTimeout.Code, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.PlanEvent) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.SeqNo, ev.Kind, data)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}
