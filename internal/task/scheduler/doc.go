// Package scheduler is the periodic schedule registry. It tracks when each
// registered schedule is next due and submits due schedules to the task
// engine as schedule-kind records. Execution belongs to the engine; the
// registry only decides when.
package scheduler
