package tasklet

import (
	"github.com/joeycumines/logiface"
)

// schedulerOptions holds configuration options for Scheduler creation.
type schedulerOptions struct {
	logger     *logiface.Logger[logiface.Event]
	softSwitch bool
}

// SchedulerOption configures a Scheduler instance.
type SchedulerOption interface {
	applyScheduler(*schedulerOptions)
}

// schedulerOptionImpl implements SchedulerOption.
type schedulerOptionImpl struct {
	applySchedulerFunc func(*schedulerOptions)
}

func (o *schedulerOptionImpl) applyScheduler(opts *schedulerOptions) {
	o.applySchedulerFunc(opts)
}

// WithLogger attaches a structured logger to the scheduler. Scheduler
// lifecycle events (spawn, injection, watchdog interrupt, close) are logged
// at debug level. A nil logger disables logging, which is the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) {
		opts.logger = logger
	}}
}

// WithSoftSwitch sets the initial watchdog interruption mode. Soft switching
// (the default) interrupts at a checkpoint without growing the tasklet's
// recursion depth; hard switching records the interrupt as a nested frame
// and only applies to tasklets with [Tasklet.SetIgnoreNesting] set. See
// [Scheduler.RunSteps].
func WithSoftSwitch(enabled bool) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) {
		opts.softSwitch = enabled
	}}
}

// resolveSchedulerOptions applies SchedulerOption instances to
// schedulerOptions.
func resolveSchedulerOptions(opts []SchedulerOption) *schedulerOptions {
	cfg := &schedulerOptions{
		softSwitch: true, // default
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		opt.applyScheduler(cfg)
	}
	return cfg
}
