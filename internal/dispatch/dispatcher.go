// Package dispatch hands phase work to the distributed task queue and
// defines the retry/failure contract every task obeys.
package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

// Named queues, one per phase family, so operational throttling can be
// applied per phase independently.
const (
	QueueCrawl   = "crawl"
	QueueExtract = "extract"
	QueueAnalyze = "analyze"
	QueueDefault = "default"
)

// QueueNames lists every queue a worker consumes.
var QueueNames = []string{QueueCrawl, QueueExtract, QueueAnalyze, QueueDefault}

// QueueForPhase maps a pipeline phase to its queue.
func QueueForPhase(phase intel.Phase) string {
	switch phase {
	case intel.PhaseCrawling:
		return QueueCrawl
	case intel.PhaseExtracting:
		return QueueExtract
	case intel.PhaseAnalyzing:
		return QueueAnalyze
	default:
		return QueueDefault
	}
}

// Dispatcher enqueues phase tasks. Phase completion explicitly dispatches
// the next phase's task; there is no implicit chaining, which is what makes
// pause effective — pausing simply withholds the next dispatch.
type Dispatcher struct {
	queue  intel.TaskQueue
	idGen  intel.IDGenerator
	clock  intel.Clock
	logger *zap.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(queue intel.TaskQueue, idGen intel.IDGenerator, clock intel.Clock, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{queue: queue, idGen: idGen, clock: clock, logger: logger}
}

// DispatchPhase enqueues the task that executes the given phase for a
// company.
func (d *Dispatcher) DispatchPhase(ctx context.Context, companyID string, phase intel.Phase) error {
	if !phase.Valid() || phase == intel.PhaseQueued || phase == intel.PhaseCompleted {
		return intel.Validationf("phase %s has no task", phase)
	}
	id, err := d.idGen.NewID()
	if err != nil {
		return fmt.Errorf("new task id: %w", err)
	}
	task := intel.Task{
		ID:        id,
		CompanyID: companyID,
		Phase:     phase,
		Submitted: d.clock.Now().Unix(),
	}
	queue := QueueForPhase(phase)
	if err := d.queue.Enqueue(ctx, queue, task); err != nil {
		return fmt.Errorf("enqueue %s task: %w", queue, err)
	}
	d.logger.Debug("phase task dispatched",
		zap.String("company_id", companyID),
		zap.String("phase", string(phase)),
		zap.String("queue", queue))
	return nil
}
