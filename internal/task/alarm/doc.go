// Package alarm arms precise one-shot firings keyed by slot id.
//
// The service is trigger-only: when a slot fires it hands the slot id to the
// registered handler and forgets the slot. A firing carries nothing but the
// slot id; whatever the handler needs it re-reads from durable state, so a
// firing never depends on memory captured at scheduling time.
package alarm
