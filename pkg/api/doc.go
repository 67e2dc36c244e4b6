/*
Package api is the controller's HTTP surface: agent registration,
heartbeats, and job callbacks under a shared bearer token; the user
control plane for labs, nodes, links, and jobs; the per-lab live-state
WebSocket; and the health and metrics endpoints.
*/
package api
