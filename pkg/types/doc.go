/*
Package types defines the shared entities of the Archetype controller.

A Lab owns Nodes and Links; NodeState and LinkState carry the
desired-vs-actual records that the reconciliation machinery converges.
Agents are worker hosts, Jobs are units of work against a lab, and the
remaining types (reservations, tunnels, placements, image rows) are the
uniqueness guards and ledgers the orchestration components share.

Types here are plain data with no behavior beyond trivial accessors, so
every component can depend on them without cycles.
*/
package types
