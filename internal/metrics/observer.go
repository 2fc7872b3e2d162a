package metrics

import (
	"github.com/vietddude/conductor/internal/core/domain"
	"github.com/vietddude/conductor/internal/resilience"
)

// ObserveEvent updates the job collectors from a scheduler event.
func ObserveEvent(e domain.Event) {
	switch ev := e.(type) {
	case domain.JobQueued:
		JobsSubmitted.WithLabelValues(ev.Job.Priority.String()).Inc()
		JobsPending.Inc()
	case domain.JobStarted:
		JobsPending.Dec()
		JobsRunning.Inc()
		JobQueueWait.Observe(ev.Job.StartedAt.Sub(ev.Job.QueuedAt).Seconds())
	case domain.JobProgress:
		stream := "stdout"
		if ev.IsError {
			stream = "stderr"
		}
		JobOutputLines.WithLabelValues(stream).Inc()
	default:
		job := domain.TerminalJob(e)
		if job == nil {
			return
		}
		if job.StartedAt.IsZero() {
			JobsPending.Dec()
		} else {
			JobsRunning.Dec()
			JobDuration.WithLabelValues(string(job.State)).Observe(job.EndedAt.Sub(job.StartedAt).Seconds())
		}
		category := ""
		if job.Result != nil {
			category = job.Result.Category
		}
		JobsFinished.WithLabelValues(string(job.State), category).Inc()
	}
}

// ObserveBreaker records a breaker transition. It matches the signature of
// resilience.Registry.OnStateChange.
func ObserveBreaker(name string, _, to resilience.State) {
	BreakerState.WithLabelValues(name).Set(float64(to))
	BreakerTransitions.WithLabelValues(name, to.String()).Inc()
}
