// Package recorder persists what happens to headsets.
//
// It follows the event bus for field transitions and receives command
// outcomes from the session manager, writing both to SQLite (the
// field_history and command_log tables) and, when enabled, to InfluxDB.
// Old rows are pruned on a cron schedule.
package recorder
