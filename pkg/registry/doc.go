// Package registry tracks every provisioned resource of a stack, its
// lifecycle status, and its dependency edges. It validates the dependency
// relation as a DAG at registration time and supplies the reverse-topological
// deletion order that rollback relies on.
package registry
