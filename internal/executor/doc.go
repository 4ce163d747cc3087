// Package executor runs simulator invocations as independent OS processes
// under a bounded worker pool. A pool run is a join-all barrier: every
// invocation runs to termination and reports its own outcome, and one
// failing invocation never cancels its siblings.
package executor
