// Package handlers provides the built-in task callbacks: a heartbeat, a
// network probe, and a run-history pruner. Each builtin is exposed as a
// factory that binds JSON params into a callback func; the app registers
// the bound funcs in the callback registry under stable names.
package handlers
