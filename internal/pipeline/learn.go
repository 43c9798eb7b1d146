package pipeline

import (
	"context"
	"fmt"

	"github.com/iambrandonn/pepper/internal/collab"
	"github.com/iambrandonn/pepper/internal/progress"
)

// learnInBackground starts the post-task learning pass. It outlives the
// caller's context, never blocks Run and never reports an error. Wait
// joins it.
func (o *Orchestrator) learnInBackground(ctx context.Context, prompt string, spec collab.TaskSpec, response string, opts Options) {
	if o.deps.Learner == nil {
		return
	}

	key := ""
	if opts.Key != "" {
		key = opts.Key + ":learner"
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.LearnTimeout)

	o.learning.Add(1)
	go func() {
		defer o.learning.Done()
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				o.logger.Error("learning pass panicked", "key", opts.Key, "panic", fmt.Sprint(p))
			}
		}()

		if err := o.learn(lctx, prompt, spec, response, key, opts.OnProgress); err != nil {
			o.logger.Debug("learning pass ended early", "key", opts.Key, "error", err)
		}
	}()
}

func (o *Orchestrator) learn(ctx context.Context, prompt string, spec collab.TaskSpec, response, key string, sink progress.Sink) error {
	agg := progress.NewAggregator(sink)
	agg.Phase(progressPhaseLearn, "Reviewing execution for learnings")

	learned, err := o.deps.Learner.Learn(ctx, collab.LearnInput{
		Prompt:           prompt,
		Spec:             spec,
		ExecutionSummary: response,
		Inventory:        o.deps.Memory.Inventory(),
	}, collab.Call{Key: key, OnProgress: agg.For(forwardPhaseLearn)})
	if err != nil {
		return err
	}

	for _, u := range learned.Updates {
		var err error
		switch {
		case u.Path != "" && u.Action == collab.ActionAppend:
			err = o.deps.Memory.Append(u.Path, u.Content)
		case u.Path != "" && u.Action == collab.ActionReplace:
			err = o.deps.Memory.Replace(u.Path, u.Content)
		default:
			_, err = o.deps.Memory.Write(u.Name, u.Category, u.Content)
		}
		if err != nil {
			o.logger.Debug("learner update skipped", "name", u.Name, "path", u.Path, "error", err)
		}
	}
	o.logger.Info("learning pass finished", "key", key, "updates", len(learned.Updates))
	return nil
}
