// Package metrics exports concierge counters to Prometheus.
//
// Components keep their own counters and expose them through Stats methods.
// The Collector reads those at scrape time, so nothing is counted twice and
// the components do not depend on Prometheus. Labels are limited to topics,
// escalation reasons, session statuses and HTTP routes; session ids never
// appear in a label.
package metrics
