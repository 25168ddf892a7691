// Package scheduler registers recurring jobs (cron or fixed interval) and runs them
// on robfig/cron with skip-if-running overlap handling and a short run history.
package scheduler
