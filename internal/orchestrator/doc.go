// Package orchestrator turns user requests into jobs. A local job runs its
// steps one after another on the worker pool, each step consuming the
// previous step's output. A remote job is staged, dispatched, and settled
// later through ReportRemote. All job state goes through the job store.
package orchestrator
