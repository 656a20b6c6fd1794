// Package runner composes the precise alarm service and the durable queue
// into a single registry of named, policy-aware tasks.
//
// The alarm side gives each task an exact next firing; the queue side gives
// every firing crash-resilient execution plus a periodic backup pass that
// keeps recurring tasks alive when the precise chain is lost. The runner
// owns the glue: it persists task records, turns alarm firings into queue
// units under each task's overlap policy, and runs every active task's
// callback once per dispatch pass, rescheduling or retiring tasks as their
// one-time flag dictates.
//
// All collaborators arrive through Deps; the runner holds no globals.
package runner
