package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
	"github.com/tidewater-robotics/plan-engine/internal/plan"
)

func TestNew_InitialState(t *testing.T) {
	h := newHarness(t, nil)
	s := h.eng.State()

	if s.State != domain.StateReady {
		t.Errorf("State = %s, want READY", s.State)
	}
	if s.Progress != -1 {
		t.Errorf("Progress = %v, want -1", s.Progress)
	}
	if s.LastOutcome != domain.OutcomeNone {
		t.Errorf("LastOutcome = %s, want NONE", s.LastOutcome)
	}
	if h.eng.Health() != domain.HealthNormal {
		t.Errorf("Health = %s, want normal", h.eng.Health())
	}
}

func TestStart_UnresolvablePlan(t *testing.T) {
	h := newHarness(t, nil)

	h.start("p1")

	h.wantState(domain.StateReady)
	h.wantReply(h.lastReply(), domain.ReplyFailure, "plan not found: p1")
	if len(h.cmds.cmds) != 0 {
		t.Errorf("sent %d commands, want 0", len(h.cmds.cmds))
	}
	if h.eng.State().PlanID != "" {
		t.Errorf("PlanID = %q, want empty", h.eng.State().PlanID)
	}
}

func TestStart_FirstManeuver(t *testing.T) {
	h := newHarness(t, nil)
	h.store.plans["p1"] = singleManeuverPlan("p1")

	h.start("p1")

	h.wantState(domain.StateExecuting)
	cmd := h.lastCommand()
	if cmd.Command != domain.CmdExecManeuver {
		t.Fatalf("command = %s, want EXEC_MANEUVER", cmd.Command)
	}
	if cmd.Maneuver == nil || cmd.Maneuver.Type != "Goto" {
		t.Fatalf("maneuver = %+v, want Goto", cmd.Maneuver)
	}
	if cmd.Maneuver.PlanRef != 1 {
		t.Errorf("PlanRef = %d, want 1", cmd.Maneuver.PlanRef)
	}
	h.wantReply(h.lastReply(), domain.ReplySuccess, "goto: executing maneuver")

	s := h.eng.State()
	if s.PlanID != "p1" || s.ManeuverID != "goto" || s.ManeuverType != "Goto" {
		t.Errorf("state = %+v, want p1/goto/Goto", s)
	}
	if len(h.pub.logs) != 1 || h.pub.logs[0] != (domain.LoggingControl{Op: domain.LoggingStart, Name: "p1"}) {
		t.Errorf("log control = %+v, want one start for p1", h.pub.logs)
	}
	if len(h.pub.specs) != 1 || h.pub.specs[0].PlanID != "p1" {
		t.Errorf("published specs = %d, want p1", len(h.pub.specs))
	}
	if len(h.store.runs) != 1 || h.store.runs[0].PlanRef != 1 || h.store.runs[0].StartedAt != t0.Unix() {
		t.Errorf("runs = %+v", h.store.runs)
	}
}

func TestStart_PlanRefSeeded(t *testing.T) {
	h := newHarness(t, nil)
	h.eng = New(DefaultConfig(), h.store, h.model, h.pub, h.cmds,
		WithClock(h.clock.Now), WithPlanRef(41),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	h.store.plans["p1"] = singleManeuverPlan("p1")

	h.start("p1")

	if got := h.lastCommand().Maneuver.PlanRef; got != 42 {
		t.Errorf("PlanRef = %d, want 42", got)
	}
}

func TestPlanCompletion(t *testing.T) {
	h := newHarness(t, nil)
	h.store.plans["p1"] = singleManeuverPlan("p1")
	req := h.running("p1")

	h.vehicle(domain.VehicleManeuver, domain.VehicleFlagManeuverDone)

	if cmd := h.lastCommand(); cmd.Command != domain.CmdStopManeuver {
		t.Errorf("command = %s, want STOP_MANEUVER", cmd.Command)
	}
	h.wantState(domain.StateReady)
	r := h.lastReply()
	h.wantReply(r, domain.ReplySuccess, "plan completed")
	if r.RequestID != req.RequestID || r.Op != domain.OpStart {
		t.Errorf("reply = %+v, want answer to the START", r)
	}

	s := h.eng.State()
	if s.LastOutcome != domain.OutcomeSuccess {
		t.Errorf("LastOutcome = %s, want SUCCESS", s.LastOutcome)
	}
	if s.PlanID != "" || s.ManeuverID != "" {
		t.Errorf("plan %q maneuver %q should be cleared", s.PlanID, s.ManeuverID)
	}
	last := h.pub.logs[len(h.pub.logs)-1]
	if last.Op != domain.LoggingStop || last.Name != "p1" {
		t.Errorf("last log control = %+v, want stop p1", last)
	}
}

func TestSequencing_NextManeuverFreshID(t *testing.T) {
	h := newHarness(t, nil)
	h.store.plans["survey"] = surveyPlan("survey")
	h.running("survey")
	first := h.lastCommand()

	h.vehicle(domain.VehicleManeuver, domain.VehicleFlagManeuverDone)

	next := h.lastCommand()
	if next.Command != domain.CmdExecManeuver || next.Maneuver.Type != "Loiter" {
		t.Fatalf("next command = %+v, want EXEC Loiter", next)
	}
	if next.RequestID <= first.RequestID {
		t.Errorf("request id %d not greater than %d", next.RequestID, first.RequestID)
	}
	if h.eng.State().ManeuverID != "b" {
		t.Errorf("ManeuverID = %q, want b", h.eng.State().ManeuverID)
	}
	h.wantState(domain.StateExecuting)
}

func TestVehicleManeuver_UpdatesManeuverETA(t *testing.T) {
	h := newHarness(t, nil)
	h.store.plans["survey"] = surveyPlan("survey")
	h.running("survey")

	h.handle(domain.VehicleState{OpMode: domain.VehicleManeuver, ManeuverETA: 42, LastErrorTime: -1})

	if got := h.eng.State().ManeuverETA; got != 42 {
		t.Errorf("ManeuverETA = %d, want 42", got)
	}
}

func TestReplyTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.store.plans["p1"] = singleManeuverPlan("p1")
	h.store.plans["p2"] = singleManeuverPlan("p2")

	h.start("p1")
	lost := h.lastCommand()
	h.start("p2") // queued behind the pending command
	if h.eng.queue.len() != 1 {
		t.Fatalf("queue = %d, want 1", h.eng.queue.len())
	}

	h.clock.Advance(2 * time.Second)
	h.vehicle(domain.VehicleManeuver, 0)
	h.clock.Advance(600 * time.Millisecond)
	h.poll()

	h.wantState(domain.StateReady)
	if h.eng.queue.len() != 0 {
		t.Errorf("queue = %d after timeout, want 0", h.eng.queue.len())
	}
	h.wantReply(h.lastReply(), domain.ReplyFailure, "vehicle reply timeout")

	// The late reply must not match anything.
	h.handle(domain.VehicleCommandReply{RequestID: lost.RequestID, Command: lost.Command, Type: domain.CommandSuccess})

	h.start("p1")
	fresh := h.lastCommand()
	if fresh.RequestID == lost.RequestID+1 || fresh.RequestID <= lost.RequestID {
		t.Errorf("request id after timeout = %d, want past %d", fresh.RequestID, lost.RequestID+1)
	}
	h.wantState(domain.StateExecuting)
}

func TestStaleReplyIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.store.plans["p1"] = singleManeuverPlan("p1")
	h.start("p1")
	cmd := h.lastCommand()
	before := h.eng.State()

	h.handle(domain.VehicleCommandReply{RequestID: cmd.RequestID + 7, Command: cmd.Command, Type: domain.CommandFailure, Info: "boom"})

	if h.eng.State() != before {
		t.Errorf("state changed on stale reply: %+v", h.eng.State())
	}
	if h.eng.pending == nil {
		t.Error("pending command cleared by stale reply")
	}

	// A reply with nothing pending is ignored too.
	h.ack(domain.CommandSuccess)
	before = h.eng.State()
	h.handle(domain.VehicleCommandReply{RequestID: cmd.RequestID, Command: cmd.Command, Type: domain.CommandFailure})
	if h.eng.State() != before {
		t.Errorf("state changed on reply with nothing pending")
	}
}

func TestRequestIDWrapSkipsZero(t *testing.T) {
	h := newHarness(t, nil)
	h.store.plans["p1"] = singleManeuverPlan("p1")
	h.eng.vreqCtr = 65535

	h.start("p1")

	cmd := h.lastCommand()
	if cmd.RequestID != 1 {
		t.Fatalf("request id after wrap = %d, want 1", cmd.RequestID)
	}
	h.ack(domain.CommandSuccess)
	if h.eng.pending != nil {
		t.Error("reply to the wrapped id did not match")
	}
	h.wantState(domain.StateExecuting)
}

func TestCommandFailure_FailsPlan(t *testing.T) {
	h := newHarness(t, nil)
	h.store.plans["p1"] = singleManeuverPlan("p1")
	h.start("p1")
	cmd := h.lastCommand()

	h.handle(domain.VehicleCommandReply{RequestID: cmd.RequestID, Command: cmd.Command, Type: domain.CommandFailure, Info: "maneuver not supported"})

	h.wantState(domain.StateReady)
	h.wantReply(h.lastReply(), domain.ReplyFailure, "maneuver not supported")
	if h.eng.State().LastOutcome != domain.OutcomeFailure {
		t.Errorf("LastOutcome = %s, want FAILURE", h.eng.State().LastOutcome)
	}
}

func TestInProgressReplyClearsDeadline(t *testing.T) {
	h := newHarness(t, nil)
	h.store.plans["p1"] = singleManeuverPlan("p1")
	h.start("p1")

	h.ack(domain.CommandInProgress)
	if h.eng.pending != nil {
		t.Error("in-progress reply should clear the pending command")
	}
	h.wantState(domain.StateExecuting)
}

func TestAtMostOneOutstandingCommand(t *testing.T) {
	h := newHarness(t, nil)
	h.store.plans["p1"] = singleManeuverPlan("p1")
	h.store.plans["p2"] = surveyPlan("p2")

	h.start("p1")
	h.start("p2")
	h.request(domain.OpStop, "", 0, nil)
	h.start("p1")
	h.request(domain.OpGet, "", 0, nil)

	for i := 0; i < 10 && (h.eng.pending != nil || h.eng.queue.len() > 0); i++ {
		if h.eng.pending != nil {
			h.ack(domain.CommandSuccess)
		}
		h.poll()
	}

	if h.cmds.maxUnacked != 1 {
		t.Errorf("max outstanding commands = %d, want 1", h.cmds.maxUnacked)
	}
	if h.eng.queue.len() != 0 {
		t.Errorf("queue = %d, want drained", h.eng.queue.len())
	}
}

func TestRequestsQueuedWhilePending(t *testing.T) {
	h := newHarness(t, nil)
	h.store.plans["p1"] = singleManeuverPlan("p1")
	h.start("p1")
	replies := len(h.pub.replies)

	h.request(domain.OpGet, "", 0, nil)
	if len(h.pub.replies) != replies {
		t.Fatal("GET answered while a command was pending")
	}

	h.ack(domain.CommandSuccess)
	h.poll()

	r := h.lastReply()
	if r.Op != domain.OpGet {
		t.Fatalf("last reply op = %s, want GET", r.Op)
	}
	h.wantReply(r, domain.ReplySuccess, "")
}

func TestGet_DoesNotMutate(t *testing.T) {
	h := newHarness(t, nil)
	h.store.plans["p1"] = singleManeuverPlan("p1")
	h.running("p1")
	before := h.eng.State()
	queued := h.eng.queue.len()
	states := len(h.pub.states)

	h.request(domain.OpGet, "", 0, nil)

	r := h.lastReply()
	h.wantReply(r, domain.ReplySuccess, "OK")
	if r.Spec == nil || r.Spec.PlanID != "p1" {
		t.Fatalf("GET spec = %+v, want p1", r.Spec)
	}
	if h.eng.State() != before {
		t.Errorf("state changed by GET")
	}
	if h.eng.queue.len() != queued {
		t.Errorf("queue changed by GET")
	}
	if len(h.pub.states) != states {
		t.Errorf("GET published a state report")
	}

	// Mutating the returned spec does not reach the engine.
	r.Spec.Maneuvers[0].ID = "changed"
	h.request(domain.OpGet, "", 0, nil)
	if h.lastReply().Spec.Maneuvers[0].ID != "goto" {
		t.Error("GET reply aliases the running spec")
	}
}

func TestGet_NoPlan(t *testing.T) {
	h := newHarness(t, nil)
	h.request(domain.OpGet, "", 0, nil)
	h.wantReply(h.lastReply(), domain.ReplyFailure, "no plan is running")
	h.wantState(domain.StateReady)
}

func TestResume_MissingManeuver(t *testing.T) {
	h := newHarness(t, nil)
	h.store.plans["survey"] = surveyPlan("survey")
	m := &domain.Memento{ID: "m1", PlanID: "survey", ManeuverID: "zz", Payload: "x"}

	h.request(domain.OpStart, "survey", 0, &domain.RequestArg{Memento: m})

	h.wantState(domain.StateReady)
	h.wantReply(h.lastReply(), domain.ReplyFailure, "could not find resume maneuver: zz")
	if h.eng.State().PlanID != "" {
		t.Errorf("PlanID = %q, want empty", h.eng.State().PlanID)
	}
	if h.model.Loaded() {
		t.Error("plan left loaded after failed resume")
	}
	if len(h.cmds.cmds) != 0 {
		t.Errorf("sent %d commands, want 0", len(h.cmds.cmds))
	}
	if _, ok := h.store.mementos["m1"]; ok {
		t.Error("failed resume saved its memento")
	}
}

func TestResume_ManeuverWithoutData(t *testing.T) {
	h := newHarness(t, nil)
	spec := surveyPlan("survey")
	spec.Maneuvers[1].Data = nil
	h.store.plans["survey"] = spec
	m := &domain.Memento{ID: "m1", PlanID: "survey", ManeuverID: "b"}

	h.request(domain.OpLoad, "survey", 0, &domain.RequestArg{Memento: m})

	h.wantReply(h.lastReply(), domain.ReplyFailure, "b: actual maneuver not specified")
}

func TestResume_BareIDFallsBackToMemento(t *testing.T) {
	h := newHarness(t, nil)
	h.store.plans["survey"] = surveyPlan("survey")
	h.store.mementos["ckpt"] = domain.Memento{ID: "ckpt", PlanID: "survey", ManeuverID: "b", Payload: "lap=2"}

	h.start("ckpt")

	h.wantState(domain.StateExecuting)
	cmd := h.lastCommand()
	if cmd.Maneuver.Type != "Loiter" || cmd.Maneuver.Memento != "lap=2" {
		t.Errorf("maneuver = %+v, want Loiter resumed with lap=2", cmd.Maneuver)
	}
	if h.eng.State().PlanID != "survey" {
		t.Errorf("PlanID = %q, want survey", h.eng.State().PlanID)
	}
	if h.lastReply().PlanID != "survey" {
		t.Errorf("reply PlanID = %q, want survey", h.lastReply().PlanID)
	}
}

func TestStartWhileExecuting_StopsFirst(t *testing.T) {
	h := newHarness(t, nil)
	h.store.plans["A"] = surveyPlan("A")
	h.store.plans["B"] = singleManeuverPlan("B")
	ownerA := h.running("A")
	h.store.lookups = nil

	h.start("B")

	if cmd := h.lastCommand(); cmd.Command != domain.CmdStopManeuver {
		t.Fatalf("command = %s, want STOP_MANEUVER", cmd.Command)
	}
	if len(h.store.lookups) != 0 {
		t.Errorf("B resolved before A was stopped: %v", h.store.lookups)
	}
	var superseded bool
	for _, r := range h.pub.replies {
		if r.RequestID == ownerA.RequestID && r.Type == domain.ReplyFailure {
			superseded = true
		}
	}
	if !superseded {
		t.Error("owner of A did not get a failure reply")
	}
	h.wantState(domain.StateReady)

	h.ack(domain.CommandSuccess)
	h.poll()

	h.wantState(domain.StateExecuting)
	if h.eng.State().PlanID != "B" {
		t.Errorf("PlanID = %q, want B", h.eng.State().PlanID)
	}
	h.wantReply(h.lastReply(), domain.ReplySuccess, "goto: executing maneuver")
}

func TestStartWhileBlocked(t *testing.T) {
	h := newHarness(t, nil)
	h.store.plans["p1"] = singleManeuverPlan("p1")
	h.clock.Advance(3 * time.Second)
	h.poll()
	h.wantState(domain.StateBlocked)

	h.start("p1")

	h.wantReply(h.lastReply(), domain.ReplyFailure, "cannot start plan in BLOCKED state")
	h.wantState(domain.StateBlocked)
}

func TestStop(t *testing.T) {
	h := newHarness(t, nil)
	h.store.plans["p1"] = singleManeuverPlan("p1")
	owner := h.running("p1")

	stop := domain.PlanControlRequest{Op: domain.OpStop, RequestID: 99, Requester: "other"}
	h.handle(stop)

	if cmd := h.lastCommand(); cmd.Command != domain.CmdStopManeuver {
		t.Errorf("command = %s, want STOP_MANEUVER", cmd.Command)
	}
	h.wantState(domain.StateReady)

	var ownerFailed, stopOK bool
	for _, r := range h.pub.replies {
		if r.RequestID == owner.RequestID && r.Type == domain.ReplyFailure {
			ownerFailed = true
		}
		if r.RequestID == 99 && r.Type == domain.ReplySuccess && r.Info == "plan stopped" && r.PlanID == "p1" {
			stopOK = true
		}
	}
	if !ownerFailed || !stopOK {
		t.Errorf("ownerFailed=%v stopOK=%v, replies %+v", ownerFailed, stopOK, h.pub.replies)
	}
	if h.eng.State().LastOutcome != domain.OutcomeFailure {
		t.Errorf("LastOutcome = %s, want FAILURE", h.eng.State().LastOutcome)
	}
}

func TestStop_WhileCalibrating(t *testing.T) {
	h := newHarness(t, nil)
	h.store.plans["p1"] = singleManeuverPlan("p1")
	h.request(domain.OpStart, "p1", domain.FlagCalibrate, nil)
	h.ack(domain.CommandSuccess)
	h.wantState(domain.StateInitializing)

	stop := h.request(domain.OpStop, "", 0, nil)

	if cmd := h.lastCommand(); cmd.Command != domain.CmdStopCalibration {
		t.Errorf("command = %s, want STOP_CALIBRATION", cmd.Command)
	}
	h.wantState(domain.StateReady)
	r := h.lastReply()
	if r.RequestID != stop.RequestID {
		t.Fatalf("last reply is for request %d, want %d", r.RequestID, stop.RequestID)
	}
	h.wantReply(r, domain.ReplySuccess, "plan stopped")
}

func TestStop_NoPlan(t *testing.T) {
	h := newHarness(t, nil)
	h.request(domain.OpStop, "p1", 0, nil)
	h.wantReply(h.lastReply(), domain.ReplyFailure, "no plan is running, request ignored")
	if len(h.cmds.cmds) != 0 {
		t.Errorf("sent %d commands, want 0", len(h.cmds.cmds))
	}
}

func TestLoad(t *testing.T) {
	h := newHarness(t, nil)
	h.store.plans["survey"] = surveyPlan("survey")

	h.request(domain.OpLoad, "survey", 0, nil)

	r := h.lastReply()
	h.wantReply(r, domain.ReplySuccess, "plan loaded")
	if r.Stats == nil || r.Stats.ManeuverCount != 3 || r.Stats.EstimatedDuration != 400 {
		t.Errorf("stats = %+v", r.Stats)
	}
	h.wantState(domain.StateReady)
	if h.eng.State().PlanID != "survey" {
		t.Errorf("PlanID = %q, want survey", h.eng.State().PlanID)
	}
	if h.model.Loaded() {
		t.Error("LOAD must not keep the plan loaded in the model")
	}
	if len(h.cmds.cmds) != 0 {
		t.Errorf("LOAD sent %d commands", len(h.cmds.cmds))
	}
}

func TestLoad_RejectedWhileExecuting(t *testing.T) {
	h := newHarness(t, nil)
	h.store.plans["p1"] = singleManeuverPlan("p1")
	h.running("p1")

	h.request(domain.OpLoad, "p1", 0, nil)

	h.wantReply(h.lastReply(), domain.ReplyFailure, "cannot load plan now")
	h.wantState(domain.StateExecuting)
}

func TestLoad_ParseError(t *testing.T) {
	h := newHarness(t, nil)
	bad := surveyPlan("bad")
	bad.Maneuvers[0].Data.Type = "Rocket"

	h.request(domain.OpLoad, "bad", 0, &domain.RequestArg{Spec: bad})

	r := h.lastReply()
	if r.Type != domain.ReplyFailure {
		t.Fatalf("reply = %+v, want failure", r)
	}
	if got := h.eng.State().LastEvent; got != "plan load failed: "+r.Info {
		t.Errorf("LastEvent = %q", got)
	}
}

func TestQuickPlan(t *testing.T) {
	h := newHarness(t, nil)
	man := &domain.Maneuver{Type: "Loiter", Duration: 30}

	h.request(domain.OpStart, "quick", 0, &domain.RequestArg{Maneuver: man})

	h.wantState(domain.StateExecuting)
	saved, ok := h.store.plans["quick"]
	if !ok {
		t.Fatal("quick plan not saved")
	}
	if saved.StartManeuverID != "Loiter" || len(saved.Maneuvers) != 1 || saved.Maneuvers[0].ID != "Loiter" {
		t.Errorf("quick plan = %+v", saved)
	}
	if h.eng.State().ManeuverID != "Loiter" {
		t.Errorf("ManeuverID = %q, want Loiter", h.eng.State().ManeuverID)
	}
}

func TestExplicitSpecSaved(t *testing.T) {
	h := newHarness(t, nil)

	h.request(domain.OpStart, "survey", 0, &domain.RequestArg{Spec: surveyPlan("survey")})

	h.wantState(domain.StateExecuting)
	if _, ok := h.store.plans["survey"]; !ok {
		t.Error("explicit spec not saved to the store")
	}
}

func TestUnsupportedOperation(t *testing.T) {
	h := newHarness(t, nil)
	h.request(domain.Operation("PAUSE"), "p1", 0, nil)
	h.wantReply(h.lastReply(), domain.ReplyFailure, "plan control operation not supported")
}

func TestRun_SubmitAndStop(t *testing.T) {
	store := newFakeStore()
	store.plans["p1"] = singleManeuverPlan("p1")
	pub := &fakePublisher{}
	eng := New(DefaultConfig(), store, plan.New(), pub, &fakeChannel{},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	req := domain.PlanControlRequest{Op: domain.OpStart, PlanID: "p1", RequestID: 1, Requester: "t"}
	if err := eng.Submit(ctx, req); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.Replies()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	replies := pub.Replies()
	if len(replies) == 0 {
		t.Fatal("no reply within 2s")
	}
	if replies[0].Type != domain.ReplySuccess {
		t.Errorf("reply = %+v, want success", replies[0])
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Run err = %v, want context.Canceled", err)
	}
	if err := eng.Submit(context.Background(), req); !errors.Is(err, domain.ErrEngineStopped) {
		t.Errorf("Submit after stop err = %v, want ErrEngineStopped", err)
	}
}
