/*
Package metrics defines the Prometheus collectors for the controller.

All collectors are package-level variables registered in init; Handler
exposes the standard promhttp endpoint. The Timer helper keeps duration
observations to a single defer at call sites.
*/
package metrics
