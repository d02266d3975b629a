// Package tasks provides the built-in task capabilities the agent ships
// with. Each capability simulates its workload in phases, honors
// cancellation between phases, and reports progress as it goes.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/autonomylab/agentcore/experiment"
)

// defaultStepDelay paces the simulated phases. Definitions can override it
// with a step_delay_ms parameter, which tests use to run fast.
const defaultStepDelay = 200 * time.Millisecond

// Register installs every built-in capability into the task registry.
func Register(reg *experiment.TaskRegistry) {
	reg.Register(experiment.KindEbook, func() experiment.Task {
		return experiment.TaskFunc(runEbook)
	})
	reg.Register(experiment.KindFreelanceWriting, func() experiment.Task {
		return experiment.TaskFunc(runFreelanceWriting)
	})
	reg.Register(experiment.KindNicheAffiliateWebsite, func() experiment.Task {
		return experiment.TaskFunc(runNicheAffiliate)
	})
	reg.Register(experiment.KindPinterestStrategy, func() experiment.Task {
		return experiment.TaskFunc(runPinterestStrategy)
	})
}

func runEbook(ctx context.Context, params map[string]any, progress experiment.ProgressFn) (*experiment.Result, error) {
	topic := stringParam(params, "topic", "General Interest")
	audience := stringParam(params, "audience", "general readers")
	chapters := intParam(params, "num_chapters", 5)
	if chapters < 1 {
		return &experiment.Result{
			Status:  experiment.TaskFailed,
			Message: "num_chapters must be at least 1",
		}, nil
	}

	title := fmt.Sprintf("The %s Guide for %s", topic, audience)
	delay := stepDelay(params)

	generated := 0
	for i := 1; i <= chapters; i++ {
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
		generated++
		report(progress, float64(generated)/float64(chapters)*90)
	}

	// Final assembly pass.
	if err := sleepCtx(ctx, delay); err != nil {
		return nil, err
	}
	report(progress, 100)

	return &experiment.Result{
		Status:  experiment.TaskCompleted,
		Message: fmt.Sprintf("Generated ebook %q with %d chapters", title, generated),
		Result: map[string]any{
			"title":              title,
			"num_chapters":       chapters,
			"chapters_generated": generated,
		},
	}, nil
}

func runFreelanceWriting(ctx context.Context, params map[string]any, progress experiment.ProgressFn) (*experiment.Result, error) {
	niche := stringParam(params, "niche", "technology")
	pieces := intParam(params, "num_pieces", 3)
	delay := stepDelay(params)

	phases := []string{"research_market", "draft_samples", "prepare_pitches"}
	for i, phase := range phases {
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
		report(progress, float64(i+1)/float64(len(phases))*100)
		_ = phase
	}

	return &experiment.Result{
		Status:  experiment.TaskCompleted,
		Message: fmt.Sprintf("Prepared %d writing samples for the %s niche", pieces, niche),
		Result: map[string]any{
			"niche":            niche,
			"samples_prepared": pieces,
			"pitches_ready":    true,
		},
	}, nil
}

func runNicheAffiliate(ctx context.Context, params map[string]any, progress experiment.ProgressFn) (*experiment.Result, error) {
	niche := stringParam(params, "niche", "home office")
	articles := intParam(params, "num_articles", 5)
	delay := stepDelay(params)

	// Keyword research, site plan, then one pass per planned article.
	steps := 2 + articles
	for i := 1; i <= steps; i++ {
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
		report(progress, float64(i)/float64(steps)*100)
	}

	return &experiment.Result{
		Status:  experiment.TaskCompleted,
		Message: fmt.Sprintf("Planned affiliate site for the %s niche with %d articles", niche, articles),
		Result: map[string]any{
			"niche":            niche,
			"articles_planned": articles,
			"site_structure":   "hub_and_spoke",
		},
	}, nil
}

func runPinterestStrategy(ctx context.Context, params map[string]any, progress experiment.ProgressFn) (*experiment.Result, error) {
	board := stringParam(params, "board_topic", "productivity")
	pins := intParam(params, "num_pins", 10)
	delay := stepDelay(params)

	phases := 4
	for i := 1; i <= phases; i++ {
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
		report(progress, float64(i)/float64(phases)*100)
	}

	return &experiment.Result{
		Status:  experiment.TaskCompleted,
		Message: fmt.Sprintf("Drafted Pinterest strategy for %q with %d pins", board, pins),
		Result: map[string]any{
			"board_topic":  board,
			"pins_planned": pins,
			"cadence":      "daily",
		},
	}, nil
}

func report(progress experiment.ProgressFn, pct float64) {
	if progress != nil {
		progress(pct)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func stepDelay(params map[string]any) time.Duration {
	if ms := intParam(params, "step_delay_ms", 0); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultStepDelay
}

func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}
