// Package scheduler turns cron specs into triggers in a configured time zone.
//
// Execution is delegated to the task engine. The scheduler is responsible only for:
//   - registering schedules (upsert by name)
//   - computing next/prev trigger times
//   - enqueueing tasks into the engine on each trigger
package scheduler
