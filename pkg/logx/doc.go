// Package logx is remindbot's structured logging on top of zerolog.
//
// A Service fans lines out to a readable console, an optional JSON file and
// an optional ops-chat sink filtered by level and rate. Loggers taken from
// the Service follow config reloads.
package logx
