package health

import (
	"fmt"

	"github.com/kiranshivaraju/gpufleet/pkg/models"
)

// transitions lists every edge the node state machine may take. No edge
// reaches failed from healthy or degraded.
var transitions = map[models.HealthState][]models.HealthState{
	models.HealthHealthy:    {models.HealthDegraded},
	models.HealthDegraded:   {models.HealthSuspect, models.HealthHealthy},
	models.HealthSuspect:    {models.HealthFailed, models.HealthDegraded},
	models.HealthFailed:     {models.HealthRecovering},
	models.HealthRecovering: {models.HealthHealthy, models.HealthFailed},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to models.HealthState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Thresholds parameterize the state machine.
type Thresholds struct {
	SuspectAfter int // consecutive bad probes, degraded -> suspect
	FailAfter    int // consecutive failed probes while suspect
	RecoverAfter int // consecutive good probes to become healthy
}

// machine is the per-node state plus the streak counters that drive it.
type machine struct {
	state      models.HealthState
	badStreak  int
	failStreak int
	goodStreak int
}

func newMachine() *machine {
	return &machine{state: models.HealthHealthy}
}

// step feeds one probe outcome through the machine. busy reports whether the
// node still holds assignments, which keeps a failed node from recovering.
// It returns the new state and a reason when the state changed.
func (m *machine) step(outcome models.ProbeOutcome, busy bool, th Thresholds) (models.HealthState, string, bool) {
	good := outcome == models.ProbeSuccess
	if good {
		m.goodStreak++
		m.badStreak = 0
		m.failStreak = 0
	} else {
		m.goodStreak = 0
		m.badStreak++
		if outcome.Failed() {
			m.failStreak++
		} else {
			// A slow answer is still an answer.
			m.failStreak = 0
		}
	}

	from := m.state
	var reason string
	switch m.state {
	case models.HealthHealthy:
		if !good {
			m.state = models.HealthDegraded
			reason = fmt.Sprintf("probe %s", outcome)
		}
	case models.HealthDegraded:
		switch {
		case !good && m.badStreak >= th.SuspectAfter:
			m.state = models.HealthSuspect
			m.failStreak = 0
			reason = fmt.Sprintf("%d consecutive bad probes", m.badStreak)
		case good && m.goodStreak >= th.RecoverAfter:
			m.state = models.HealthHealthy
			reason = fmt.Sprintf("%d consecutive good probes", m.goodStreak)
		}
	case models.HealthSuspect:
		switch {
		case outcome.Failed() && m.failStreak >= th.FailAfter:
			m.state = models.HealthFailed
			reason = fmt.Sprintf("%d consecutive failed probes while suspect", m.failStreak)
		case good:
			m.state = models.HealthDegraded
			reason = "probe succeeded"
		}
	case models.HealthFailed:
		if good && !busy {
			m.state = models.HealthRecovering
			m.goodStreak = 0
			reason = "probe succeeded with no active assignments"
		}
	case models.HealthRecovering:
		switch {
		case outcome.Failed():
			m.state = models.HealthFailed
			reason = fmt.Sprintf("probe %s while recovering", outcome)
		case good && m.goodStreak >= th.RecoverAfter:
			m.state = models.HealthHealthy
			reason = fmt.Sprintf("%d consecutive good probes", m.goodStreak)
		}
	}

	if m.state == from {
		return from, "", false
	}
	if !CanTransition(from, m.state) {
		panic(fmt.Sprintf("health: illegal transition %s -> %s", from, m.state))
	}
	return m.state, reason, true
}
