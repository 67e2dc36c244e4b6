/*
Package carrier propagates physical-carrier transitions between the
two sides of a link. An agent's carrier report updates the matched
side, mirrors the change to a cross-host peer, and recomputes the
link's operational state under a monotonic epoch.
*/
package carrier
