// Package maintenance triggers the periodic work of the engine on a cron
// cadence: the sweep pass and the retention purge.
//
// Jobs are trigger-only. Each tick calls the job in the cron goroutine with
// a bounded context; a tick that arrives while the previous call is still
// running is skipped, never queued.
package maintenance
