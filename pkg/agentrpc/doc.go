/*
Package agentrpc is the typed client for worker-host agents: JSON over
HTTP with bearer-token auth. Transport failures and 429s are retried
with exponential backoff and surface as UnavailableError; agent-side
failures surface as JobError with the agent's output attached. A short
TTL reachability cache avoids repeated probes of the same agent within
a burst of calls.
*/
package agentrpc
