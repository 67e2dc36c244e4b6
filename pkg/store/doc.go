/*
Package store is the persistence layer. Everything the controller
knows lives here: labs, nodes, desired/actual state rows, links and
their endpoint reservations, VXLAN tunnels, agents, jobs, placements,
image locations, and config snapshots.

The production backend is Postgres via pgx. Mutating operations that
must not race (state transitions, reservation claims, pending-link
pickup) run inside InTx with SELECT ... FOR UPDATE or SKIP LOCKED row
locks. The Memory backend exists for tests and serializes everything
behind a single mutex.
*/
package store
