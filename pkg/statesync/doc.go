// Package statesync replicates deployment state documents between the local
// state store and a remote backend. It supports push, pull and bidirectional
// syncs with skip detection, a cross-process sync lock, conflict detection
// with timestamp/merge/manual resolution, and a background scheduler that
// keeps all deployments synchronized on an interval.
package statesync
