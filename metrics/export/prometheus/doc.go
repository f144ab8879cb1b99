// Package prometheus exposes session metrics through a
// github.com/prometheus/client_golang collector.
//
// The collector reads a snapshot on every scrape; nothing is registered
// globally unless the caller does so.
package prometheus
