package installer

import (
	"context"
	"fmt"
	"time"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/sshconn"
)

const defaultMaxRetries = 3

// StepOutcome records what happened when the Runner executed one Step.
type StepOutcome struct {
	Name      string
	Attempts  int
	ExitCode  int
	Stdout    string
	Stderr    string
	Harmless  bool   // stderr matched the allowlist despite a non-zero exit
	Label     string // allowlist label, set when Harmless
	Succeeded bool
}

// RunOptions tunes plan execution.
type RunOptions struct {
	StepTimeout time.Duration
	Allowlist   *Allowlist
	// OnStep, if set, is called after every step attempt for progress
	// reporting (the Deployment Engine's progress sink wires this).
	OnStep func(StepOutcome)
}

// DefaultRunOptions matches spec.md's defaults: a per-command timeout
// generous enough for a package install, and the published allowlist.
func DefaultRunOptions() RunOptions {
	return RunOptions{
		StepTimeout: 2 * time.Minute,
		Allowlist:   DefaultAllowlist(),
	}
}

// Execute runs plan's steps in order against sess, applying each step's
// tags: a step tagged Retryable is re-attempted with linear backoff up
// to MaxRetries times; a step whose final attempt still fails aborts the
// plan unless it is tagged IgnoreErrors, in which case the Runner moves
// on to the next step regardless. A failure is only "final" after
// Allowlist.Classify has had a chance to call it harmless.
func Execute(ctx context.Context, sess *sshconn.Session, plan InstallPlan, opts RunOptions) ([]StepOutcome, error) {
	if opts.Allowlist == nil {
		opts.Allowlist = DefaultAllowlist()
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 2 * time.Minute
	}

	var outcomes []StepOutcome
	for _, step := range plan {
		outcome, err := runStep(ctx, sess, step, opts)
		outcomes = append(outcomes, outcome)
		if opts.OnStep != nil {
			opts.OnStep(outcome)
		}
		if err != nil && !hasTag(step.Tags, IgnoreErrors) {
			return outcomes, err
		}
	}
	return outcomes, nil
}

func runStep(ctx context.Context, sess *sshconn.Session, step Step, opts RunOptions) (StepOutcome, error) {
	maxAttempts := 1
	if hasTag(step.Tags, Retryable) {
		retries := step.MaxRetries
		if retries <= 0 {
			retries = defaultMaxRetries
		}
		maxAttempts = 1 + retries
	}

	var last StepOutcome
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		last, lastErr = attemptStep(ctx, sess, step, opts)
		last.Attempts = attempt
		if lastErr == nil {
			return last, nil
		}
		if attempt < maxAttempts {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return last, ctlerr.Wrap(ctlerr.Timeout, fmt.Sprintf("step %q canceled between retries", step.Name), ctx.Err())
			}
		}
	}
	return last, lastErr
}

func attemptStep(ctx context.Context, sess *sshconn.Session, step Step, opts RunOptions) (StepOutcome, error) {
	outcome := StepOutcome{Name: step.Name}
	failureKind := step.FailureKind
	if failureKind == "" {
		failureKind = ctlerr.CommandFailed
	}

	if step.UploadPath != "" {
		if err := sess.Upload(ctx, step.UploadPath, step.UploadContent, step.UploadMode, opts.StepTimeout); err != nil {
			outcome.Stderr = err.Error()
			return outcome, ctlerr.Wrap(failureKind, fmt.Sprintf("upload step %q", step.Name), err)
		}
		outcome.Succeeded = true
		return outcome, nil
	}

	res, err := sess.Execute(ctx, step.Argv, opts.StepTimeout)
	if err != nil {
		outcome.Stderr = err.Error()
		return outcome, ctlerr.Wrap(failureKind, fmt.Sprintf("step %q", step.Name), err)
	}
	outcome.ExitCode = res.ExitCode
	outcome.Stdout = res.Stdout
	outcome.Stderr = res.Stderr

	if res.ExitCode == 0 {
		outcome.Succeeded = true
		return outcome, nil
	}

	if label, harmless := opts.Allowlist.Classify(res.Stderr); harmless {
		outcome.Harmless = true
		outcome.Label = label
		outcome.Succeeded = true
		return outcome, nil
	}

	return outcome, ctlerr.New(failureKind,
		fmt.Sprintf("step %q exited %d: %s", step.Name, res.ExitCode, res.Stderr))
}
