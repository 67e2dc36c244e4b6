package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riannom/archetype/pkg/log"
	"github.com/riannom/archetype/pkg/types"
)

// StartMonitor launches the job-health sweep. It distinguishes stuck
// jobs (no heartbeat past the configured timeout) from merely slow
// ones (heartbeat still arriving).
func (p *Pipeline) StartMonitor(interval time.Duration) {
	go p.runMonitor(interval)
}

// StopMonitor halts the sweep loop and waits for it to exit.
func (p *Pipeline) StopMonitor() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Pipeline) runMonitor(interval time.Duration) {
	defer close(p.doneCh)
	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			p.sweepJobs(ctx)
			cancel()
		}
	}
}

func (p *Pipeline) sweepJobs(ctx context.Context) {
	active, err := p.store.ListActiveJobs(ctx)
	if err != nil {
		log.WithComponent("jobs").Error().Err(err).Msg("job health sweep failed")
		return
	}
	now := p.clock.Now()
	for _, job := range active {
		if job.Status != types.JobRunning || job.StartedAt == nil {
			continue
		}
		lastSign := *job.StartedAt
		if job.LastHeartbeat != nil && job.LastHeartbeat.After(lastSign) {
			lastSign = *job.LastHeartbeat
		}
		silence := now.Sub(lastSign)
		runtime := now.Sub(*job.StartedAt)

		switch {
		case silence > p.cfg.JobStuckTimeout:
			p.fail(ctx, job, fmt.Sprintf("stuck: no heartbeat for %s", silence.Round(time.Second)))
			p.setLabState(ctx, job.LabID, types.LabStateUnknown,
				"job timed out; state will be reconciled")
		case runtime > p.cfg.JobStuckTimeout:
			// Heartbeats still arriving: slow, not stuck.
			log.WithJob(job.ID).Info().
				Dur("runtime", runtime).
				Msg("job running long but heartbeating")
		}
	}
}
