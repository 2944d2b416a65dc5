// Package maintenance runs periodic housekeeping jobs (audit pruning and the
// like) on cron or interval schedules.
//
// Jobs run on the cron goroutine with a per-job timeout. A job that is still
// running when its next trigger fires is skipped for that tick.
package maintenance
