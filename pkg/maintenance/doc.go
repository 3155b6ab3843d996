// Package maintenance runs the periodic housekeeping jobs on a cron
// schedule (github.com/robfig/cron/v3).
//
// The cleanup job prunes idle sliding windows and clears relay penalties. It
// is registered only after an initial delay so a freshly started process does
// not immediately forgive routes it has just disabled. The retention job
// deletes quota rows and usage events older than their retention periods.
package maintenance
