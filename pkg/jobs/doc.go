/*
Package jobs is the pipeline that turns state-mutation intents into
executed agent actions. Jobs carry an action string with a small
grammar (up, down, sync with subject qualifiers, links deltas) so
admission can compute conflicts without inspecting payloads. The
pipeline owns deploy locks, multi-host placement, image pre-flight,
transport-failure retries with superseding job rows, callback and
dead-letter handling, and the job-health monitor.
*/
package jobs
