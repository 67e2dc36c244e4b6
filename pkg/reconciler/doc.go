/*
Package reconciler imports observed state from agents: it queries each
host carrying a lab's nodes, maps container and domain statuses into
actual states under the legal-transition rules, probes readiness,
logs (but never destroys) orphans, detects flapping nodes, and
aggregates lab state.
*/
package reconciler
