// Package rollback tears down cloud stacks when deployments fail. The
// Engine selects resources according to a rollback mode (full, partial,
// incremental or emergency), walks them in deletion order, and drives each
// cleanup with classified, retried error handling; individual failures never
// abort a run, they surface as a PARTIAL outcome. A Monitor evaluates
// prioritized triggers, built in or written as Starlark expressions, and
// rolls back any stack whose condition fires.
package rollback
