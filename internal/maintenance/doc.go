// Package maintenance runs the scheduled retention sweep.
//
// On each tick of a five-field cron schedule the sweeper deletes terminal
// jobs completed before the job retention cutoff and device events older
// than the event retention cutoff. Active jobs are never touched.
package maintenance
