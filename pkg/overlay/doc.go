/*
Package overlay keeps every agent's VTEP set equal to the controller's
intent. Each pass computes the declared set per agent from active
tunnels (each side seeing itself as local, in-progress links included
so they are not swept mid-setup) and hands it to declare-state capable
agents, falling back to the older port-whitelist call otherwise.
*/
package overlay
