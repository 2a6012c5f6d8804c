package phases

import (
	"context"
	"fmt"

	"github.com/rjwalters/loom/internal/shepherd"
)

// reflection is a best-effort post-mortem (spec §4.8.2): it analyses how
// many doctor cycles and judge retries a run burned and, past a threshold,
// files an upstream diagnostic comment. shepherd.Pipeline.finish already
// runs this phase inside a recover()-guarded closure and discards its
// Result, so nothing here can affect the shepherd's exit status.
type reflection struct {
	// DoctorCycleAlertThreshold is the doctor-cycle count past which
	// reflection considers a run worth flagging for a human.
	DoctorCycleAlertThreshold int
}

// NewReflection returns the Reflection phase.
func NewReflection(doctorCycleAlertThreshold int) shepherd.Phase {
	if doctorCycleAlertThreshold <= 0 {
		doctorCycleAlertThreshold = 2
	}
	return reflection{DoctorCycleAlertThreshold: doctorCycleAlertThreshold}
}

func (reflection) Name() string { return "reflection" }

func (reflection) Contracts() []shepherd.Contract { return nil }

func (reflection) ShouldSkip(sc *shepherd.Context) (bool, string) { return false, "" }

func (r reflection) Run(ctx context.Context, sc *shepherd.Context) shepherd.Result {
	sc.Log.Info("reflection", "issue", sc.Issue, "doctor_cycles", sc.DoctorCycles, "judge_retries", sc.JudgeRetries)

	if sc.DoctorCycles < r.DoctorCycleAlertThreshold {
		return shepherd.Result{Status: shepherd.StatusSuccess, Msg: "nothing notable"}
	}

	body := fmt.Sprintf(
		"This run took %d doctor cycle(s) and %d judge retry attempt(s) before finishing. Repeated cycles on the same issue often mean the original issue description under-specified the task.",
		sc.DoctorCycles, sc.JudgeRetries,
	)
	if err := sc.GH.Comment(ctx, sc.Issue, body); err != nil {
		sc.Log.Error(err, "posting reflection diagnostic", "issue", sc.Issue)
	}
	return shepherd.Result{Status: shepherd.StatusSuccess, Msg: "filed diagnostic"}
}

func (reflection) Validate(sc *shepherd.Context) bool { return true }
