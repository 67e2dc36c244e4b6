/*
Package enforcer is the loop that pushes drifted nodes back toward
their desired state. It skips nodes held by active conflicting jobs or
transitional states, paces attempts with shared cooldown keys so
multiple controller workers converge, and opens a per-node circuit
after repeated failures until the desired state changes.
*/
package enforcer
