package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/extask-gateway/internal/metrics"
	"github.com/ChuLiYu/extask-gateway/pkg/types"
)

var (
	// ErrAlreadyReported is returned for a second report on the same run.
	ErrAlreadyReported = errors.New("outcome already reported")
	// ErrLockLost means the lock was lost and the outcome was discarded.
	ErrLockLost = errors.New("task lock lost")
	// ErrAborted means the task was cancelled before its outcome could be reported.
	ErrAborted = errors.New("task aborted")
)

// DefaultReportTimeout bounds one report call.
const DefaultReportTimeout = 10 * time.Second

// Reporter maps outcomes to engine reporting primitives. It reports at most
// one outcome per Run.
type Reporter struct {
	source  TaskSource
	timeout time.Duration
	metrics *metrics.Collector
}

func NewReporter(source TaskSource, timeout time.Duration, collector *metrics.Collector) *Reporter {
	if timeout <= 0 {
		timeout = DefaultReportTimeout
	}
	return &Reporter{source: source, timeout: timeout, metrics: collector}
}

// Report sends out for run. Nothing is sent when the lock was lost, when ctx
// is already done, or when the run was reported before.
func (r *Reporter) Report(ctx context.Context, run *Run, out types.Outcome) error {
	if run.State() == RunLost {
		return ErrLockLost
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	if !run.markReported() {
		if run.State() == RunLost {
			return ErrLockLost
		}
		return ErrAlreadyReported
	}

	// Once committed the report is not interrupted by cancellation.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	task := run.Task
	var err error
	switch out.Kind {
	case types.OutcomeSuccess:
		err = r.source.Complete(reportCtx, task.ID, out.ResultVariables)
	case types.OutcomeBusinessError:
		err = r.source.ReportBusinessError(reportCtx, task.ID, out.ErrorCode, out.Message)
	case types.OutcomeRetryableFailure:
		err = r.source.ReportRetryableFailure(reportCtx, task.ID, out.Message, out.RetriesAfter(task.RetriesRemaining), out.RetryAfter)
	case types.OutcomeFatalFailure:
		err = r.source.ReportIncident(reportCtx, task.ID, out.Message)
	default:
		err = r.source.ReportIncident(reportCtx, task.ID, fmt.Sprintf("invalid outcome %q", out.Kind))
	}

	if err != nil {
		r.metrics.RecordReportError(out.Kind)
		return fmt.Errorf("report %s for %s: %w", out.Kind, task.ID, err)
	}
	r.metrics.RecordOutcome(task.Topic, out.Kind, time.Since(run.Started))
	return nil
}
