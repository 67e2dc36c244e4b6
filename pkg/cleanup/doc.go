/*
Package cleanup is the event-driven housekeeping substrate. Components
publish Events to a shared bus channel; the Consumer buffers them in a
bounded in-process queue and drains them sequentially through
registered handlers, each guarded by its own circuit breaker. Handler
wiring is injected at startup, so this package never depends on the
components whose events it carries.

Event delivery is best effort: a full queue drops, a broken breaker
skips. The Sweeper's periodic retention and orphan sweeps re-derive
anything a dropped event would have triggered.
*/
package cleanup
