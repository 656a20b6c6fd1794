// Package notify turns failure events from the bus into operator alerts.
//
// It subscribes to task.failed and dispatch.failed, rate-limits the stream,
// formats a short message, and hands it to the configured sender (Telegram
// by default). Disabled unless configured; losing an alert is always
// preferable to blocking the scheduler.
package notify
