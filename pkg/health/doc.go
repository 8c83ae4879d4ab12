// Package health probes the services a stack hosts. The prober combines
// HTTP endpoint checks with docker container checks over SSH and feeds
// the aggregated result into the rollback monitor's health signal.
package health
