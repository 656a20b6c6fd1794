// Package queue is the durable, imprecise half of the scheduler: a worker
// pool draining persisted "run the dispatcher" units, plus cron-driven
// periodic backup entries that keep recurring work alive even when every
// precise trigger has been lost.
//
// Units are deduplicated by slot key at enqueue time (Keep drops the new
// unit while the key is queued or running; Replace supersedes a queued unit
// that has not started) and persisted before they enter the channel, so a
// crash between enqueue and execution loses nothing: surviving units are
// reloaded and run on the next Start.
package queue
