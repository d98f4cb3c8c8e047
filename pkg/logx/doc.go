// Package logx wraps zerolog for patchwatch: readable console lines with a
// short caller, JSON lines in the optional log file, and rate-limited
// forwarding of warnings to a chat Sink. Outputs can be swapped at runtime
// with Service.Apply.
package logx
