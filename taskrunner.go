package weaver

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// TaskRunner runs closures on a bounded number of goroutines. The scheduler
// uses one as its worker pool; the checkpointer uses one for parallel archive
// uploads. maxThreadCount <= 0 means unbounded.
type TaskRunner struct {
	maxThreadCount int
	eg             *errgroup.Group
	limiterChan    chan bool
	context        context.Context
}

func NewTaskRunner(ctx context.Context, maxThreadCount int) *TaskRunner {
	eg, ctx2 := errgroup.WithContext(ctx)
	tr := &TaskRunner{
		maxThreadCount: maxThreadCount,
		eg:             eg,
		context:        ctx2,
	}
	if maxThreadCount > 0 {
		tr.limiterChan = make(chan bool, maxThreadCount)
	}
	return tr
}

func (tr *TaskRunner) GetContext() context.Context {
	return tr.context
}

func (tr *TaskRunner) Go(task func() error) {
	if tr.limiterChan == nil {
		tr.eg.Go(task)
		return
	}
	t := func() error {
		err := task()
		if err != nil {
			return err
		}
		// Free up this thread slot.
		<-tr.limiterChan
		return nil
	}
	tr.eg.Go(t)
	// Occupy a thread slot.
	tr.limiterChan <- true
}

// Wrapper to errgroup.Wait.
func (tr *TaskRunner) Wait() error {
	if tr.limiterChan != nil {
		defer close(tr.limiterChan)
	}
	return tr.eg.Wait()
}
