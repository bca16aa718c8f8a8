// Package commands turns chat messages into reminder operations.
//
// The Router tokenizes "/cmd sub args --flag v" (or "!cmd ..."), walks the
// command tree and runs the handler on a bounded worker pool behind the
// panic/log/timeout middleware. Reminders holds the reminder commands
// themselves: remind in|at|on|every, reminders, cancel, pause, resume,
// clear and timezone.
package commands
