// Package storage is the durable side of remindbot.
//
// It holds:
//   - Reminder records, keyed by id and queryable by owner
//   - Per-user preferences (timezone + flags)
//   - Audit log appends (user actions)
//
// Drivers: memory (tests, ephemeral runs), file (jsonl journal + snapshot),
// sqlite (modernc, pure Go) and postgres (pgx pool).
package storage
