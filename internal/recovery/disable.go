package recovery

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/fakectdb/internal/cluster"
)

// DisableTimer applies "disable recoveries" requests to nodes. Each node has
// at most one pending re-enable; a newer request replaces it.
type DisableTimer struct {
	state *cluster.State
	sched Scheduler
	log   logrus.FieldLogger
}

// NewDisableTimer creates a DisableTimer over state.
func NewDisableTimer(state *cluster.State, sched Scheduler, log logrus.FieldLogger) *DisableTimer {
	return &DisableTimer{state: state, sched: sched, log: log}
}

// Disable marks pnn as refusing recoveries for d. A zero d re-enables
// recoveries at once and cancels any pending re-enable. If the new timer
// cannot be scheduled the node is left as it was.
func (t *DisableTimer) Disable(pnn uint32, d time.Duration) error {
	node, ok := t.state.Node(pnn)
	if !ok {
		return errors.Wrapf(cluster.ErrNoSuchNode, "disable recoveries on node %d", pnn)
	}
	log := t.log.WithFields(logrus.Fields{"pnn": pnn, "timeout": d})

	if d == 0 {
		t.cancel(node)
		node.RecoveryDisabled = false
		log.Debug("recoveries re-enabled")
		return nil
	}

	var handle cluster.Stopper
	handle, err := t.sched.Schedule(d, func(err error) {
		if node.Reactivation != handle {
			return
		}
		if err != nil {
			log.WithError(err).Warn("re-enable timer failed, re-enabling anyway")
		}
		node.Reactivation = nil
		node.RecoveryDisabled = false
		log.Debug("recoveries re-enabled after timeout")
	})
	if err != nil {
		return errors.Wrapf(err, "schedule re-enable of node %d", pnn)
	}

	t.cancel(node)
	node.Reactivation = handle
	node.RecoveryDisabled = true
	log.Debug("recoveries disabled")
	return nil
}

func (t *DisableTimer) cancel(node *cluster.Node) {
	if node.Reactivation != nil {
		node.Reactivation.Stop()
		node.Reactivation = nil
	}
}
