// Package shepherd implements the shepherd state machine (spec §4.8,
// component 10): the seven phases — Curator, Approval, Builder, Judge,
// Doctor, Rebase, Merge — plus a best-effort Reflection, which
// together carry one GitHub issue from "ready" to "merged".
//
// Grounded on zulandar-gastown's internal/doctor check-registry pattern
// (BaseCheck/CheckContext/CheckResult: a named check that inspects context
// and reports a status): Contract here plays the same role — a named
// precondition a phase declares before it runs, checked generically by
// runOne (via CheckContracts) rather than re-implemented per phase.
package shepherd

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/rjwalters/loom/internal/claim"
	"github.com/rjwalters/loom/internal/config"
	"github.com/rjwalters/loom/internal/gitops"
	"github.com/rjwalters/loom/internal/ghclient"
	"github.com/rjwalters/loom/internal/labels"
	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/progress"
	"github.com/rjwalters/loom/internal/session"
	"github.com/rjwalters/loom/internal/usage"
)

// Status is a phase's or a run's outcome (spec §4.8).
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusStuck   Status = "stuck"
	StatusSkipped Status = "skipped"
	StatusBlocked Status = "blocked"
)

// Result is what a phase (or the whole pipeline) returns.
type Result struct {
	Status Status
	Msg    string
	Data   map[string]interface{}
}

func success(msg string, data map[string]interface{}) Result {
	return Result{Status: StatusSuccess, Msg: msg, Data: data}
}

func failed(msg string) Result {
	return Result{Status: StatusFailed, Msg: msg}
}

// Contract is a named precondition a phase declares before Run executes
// (spec §4.8.1). FailureLabel is applied (alongside removing loom:building)
// when Check fails; an empty FailureLabel means the violation is a surprise
// rather than a fault attributable to the phase itself (e.g. Builder's "no
// existing PR" contract).
type Contract struct {
	Name             string
	Check            func(*Context) (bool, string)
	ViolationMessage string
	FailureLabel     string
}

// Phase is one of the seven (plus Reflection) states of spec §4.8.
type Phase interface {
	Name() string
	Contracts() []Contract
	ShouldSkip(*Context) (bool, string)
	Run(context.Context, *Context) Result
	Validate(*Context) bool
}

// Context carries every dependency a phase's Run needs. It is shared,
// mutable state for the duration of one shepherd run on one issue.
type Context struct {
	Root   paths.Root
	Cfg    config.Config
	Log    logr.Logger
	GH     *ghclient.Client
	Git    *gitops.Git // rooted at the issue's worktree once Builder creates it
	Claims *claim.Registry
	Sess   *session.Manager
	Prog   *progress.Writer
	Usage  *usage.Governor

	Issue     int
	TaskID    string
	Slot      string // shepherd slot name, e.g. "shepherd-1"
	ForceMode bool
	MergeMode bool
	FromPhase string // --from: skip phases before this one
	ToPhase   string // --to: stop after this phase

	Worktree     string
	Branch       string
	PRNumber     int
	DoctorCycles int
	JudgeRetries int
}

// CheckContracts runs every contract a phase declares and returns the first
// violated one, if any (spec §4.8.1: "A violation removes loom:building,
// applies the failure label, and comments diagnostics").
func CheckContracts(sc *Context, p Phase) (Contract, bool) {
	for _, c := range p.Contracts() {
		if ok, _ := c.Check(sc); !ok {
			return c, true
		}
	}
	return Contract{}, false
}

// ApplyContractViolation performs spec §4.8.1's violation side effects:
// remove loom:building, apply the failure label (if any), and comment the
// violation message.
func ApplyContractViolation(ctx context.Context, sc *Context, c Contract) error {
	if err := sc.GH.RemoveLabel(ctx, sc.Issue, labels.Building); err != nil {
		sc.Log.Error(err, "remove loom:building on contract violation", "issue", sc.Issue)
	}
	if c.FailureLabel != "" {
		if err := sc.GH.AddLabel(ctx, sc.Issue, c.FailureLabel); err != nil {
			sc.Log.Error(err, "apply failure label", "issue", sc.Issue, "label", c.FailureLabel)
		}
	}
	body := fmt.Sprintf("Contract violated: %s\n\n%s", c.Name, c.ViolationMessage)
	return sc.GH.Comment(ctx, sc.Issue, body)
}

// Pipeline holds one implementation of each phase of spec §4.8. Run executes
// them in linear sequence, except the Judge/Doctor loop (driven separately
// by runDoctorJudgeLoop) and Reflection (run last by finish, best-effort).
type Pipeline struct {
	Curator    Phase
	Approval   Phase
	Builder    Phase
	Judge      Phase
	Doctor     Phase
	Rebase     Phase
	Merge      Phase
	Reflection Phase
}

// phaseOrder names every phase in execution order, used to honor --from/--to.
var phaseOrder = []string{"curator", "approval", "builder", "judge", "doctor", "rebase", "merge"}

func phaseIndex(name string) int {
	for i, n := range phaseOrder {
		if n == name {
			return i
		}
	}
	return -1
}

func pastFrom(sc *Context, name string) bool {
	idx := phaseIndex(name)
	if sc.FromPhase == "" || idx < 0 {
		return false // Reflection is not in phaseOrder and is never skipped by --from
	}
	return idx < phaseIndex(sc.FromPhase)
}

func pastTo(sc *Context, name string) bool {
	if sc.ToPhase == "" {
		return false
	}
	return phaseIndex(name) > phaseIndex(sc.ToPhase)
}

// runOne runs a single phase end to end: skip check, contracts, Run,
// validate.
func runOne(ctx context.Context, sc *Context, p Phase) Result {
	if pastFrom(sc, p.Name()) {
		return Result{Status: StatusSkipped, Msg: "before --from"}
	}
	if pastTo(sc, p.Name()) {
		return Result{Status: StatusSkipped, Msg: "after --to"}
	}
	if skip, reason := p.ShouldSkip(sc); skip {
		return Result{Status: StatusSkipped, Msg: reason}
	}
	if c, violated := CheckContracts(sc, p); violated {
		_ = ApplyContractViolation(ctx, sc, c)
		return Result{Status: StatusBlocked, Msg: c.ViolationMessage, Data: map[string]interface{}{"contract": c.Name}}
	}

	sc.Log.Info("phase entered", "phase", p.Name(), "issue", sc.Issue)
	_ = sc.Prog.Report(sc.Issue, roleName(sc), progress.EventPhaseEntered, p.Name(), nil)

	res := p.Run(ctx, sc)

	if res.Status == StatusSuccess && !p.Validate(sc) {
		res = failed("phase validation failed after run")
	}
	if res.Status == StatusSuccess {
		_ = sc.Prog.Report(sc.Issue, roleName(sc), progress.EventPhaseCompleted, p.Name(), res.Data)
	}
	return res
}

func roleName(sc *Context) string {
	if sc.ForceMode {
		return "force"
	}
	return "default"
}

// Run drives the full pipeline for one issue: Curator, Approval, Builder,
// then the Judge/Doctor loop (spec §4.8.3), Rebase, Merge, and finally
// Reflection (best-effort, never affects the returned Result).
func (p Pipeline) Run(ctx context.Context, sc *Context) Result {
	_ = sc.Prog.Report(sc.Issue, roleName(sc), progress.EventStarted, "curator", nil)

	for _, phase := range []Phase{p.Curator, p.Approval, p.Builder} {
		res := runOne(ctx, sc, phase)
		if res.Status != StatusSuccess && res.Status != StatusSkipped {
			return p.finish(ctx, sc, res)
		}
	}

	res := p.runDoctorJudgeLoop(ctx, sc)
	if res.Status != StatusSuccess && res.Status != StatusSkipped {
		return p.finish(ctx, sc, res)
	}

	for _, phase := range []Phase{p.Rebase, p.Merge} {
		res = runOne(ctx, sc, phase)
		if res.Status != StatusSuccess && res.Status != StatusSkipped {
			return p.finish(ctx, sc, res)
		}
	}

	return p.finish(ctx, sc, success("shepherd run complete", nil))
}

// runDoctorJudgeLoop implements spec §4.8.3: after Builder, Judge runs; if
// changes are requested, Doctor fixes and Judge runs again, up to
// doctor_max_retries cycles, after which the issue is blocked with
// error_class=doctor_exhausted.
func (p Pipeline) runDoctorJudgeLoop(ctx context.Context, sc *Context) Result {
	for {
		res := runOne(ctx, sc, p.Judge)
		if res.Status == StatusSuccess {
			return res
		}
		if res.Status != StatusFailed {
			return res // blocked/stuck propagate directly
		}
		// Judge returned changes_requested (modeled as StatusFailed with
		// Data["changes_requested"]=true); anything else is a real failure.
		if res.Data == nil || res.Data["changes_requested"] != true {
			return res
		}

		sc.DoctorCycles++
		if sc.DoctorCycles > sc.Cfg.DoctorMaxRetriesN {
			if err := sc.GH.Relabel(ctx, sc.Issue, labels.Building, labels.Blocked); err != nil {
				sc.Log.Error(err, "relabel building->blocked on doctor exhaustion", "issue", sc.Issue)
			}
			return Result{Status: StatusBlocked, Msg: "doctor_exhausted", Data: map[string]interface{}{"error_class": "doctor_exhausted"}}
		}

		doctorRes := runOne(ctx, sc, p.Doctor)
		if doctorRes.Status != StatusSuccess && doctorRes.Status != StatusSkipped {
			return doctorRes
		}
	}
}

// finish always runs Reflection best-effort (spec §4.8.2: "never affects
// exit code") before returning the pipeline's real result.
func (p Pipeline) finish(ctx context.Context, sc *Context, res Result) Result {
	if p.Reflection != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					sc.Log.Info("reflection phase panicked, ignoring", "recover", r)
				}
			}()
			_ = runOne(ctx, sc, p.Reflection)
		}()
	}

	event := progress.EventCompleted
	switch res.Status {
	case StatusBlocked:
		event = progress.EventBlocked
	case StatusFailed, StatusStuck:
		event = progress.EventError
	}
	_ = sc.Prog.Report(sc.Issue, roleName(sc), event, "reflection", res.Data)
	return res
}

// nowUTC returns the current time in UTC. It is a var so it can be replaced;
// nothing in the module calls it at present.
var nowUTC = func() time.Time { return time.Now().UTC() }
