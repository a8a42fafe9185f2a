// Package metrics defines the manager's Prometheus metrics and exposes them
// over /metrics via promhttp.Handler.
//
// Metrics fall into five groups: registry (manager_runners_total by
// availability, plus the stale-eviction count), tasks (manager_tasks_total
// by status, plus submission and rejection counters and dispatch latency),
// notify (completion callback attempts and retry queue depth), transport
// (API request counts and latency), and storage (number of daily rotation
// directories on disk). All gauges and
// counters are registered at package init and are safe for concurrent use;
// Collector is the only component that sets the registry/task/storage
// gauges, polling the registry and task store on an interval and also
// sampling once immediately on Start so a freshly started manager doesn't
// report zeros until the first tick.
package metrics
