/*
Package links orchestrates the L2 fabric: canonical link naming with
deterministic endpoint ordering, vendor interface normalization,
endpoint reservations, same-host VLAN links, cross-host VXLAN links
with deterministically derived VNIs, and the two-phase cross-host
teardown that re-attaches the source side when the target detach
fails.
*/
package links
