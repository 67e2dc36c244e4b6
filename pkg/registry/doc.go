/*
Package registry tracks worker hosts: registration, heartbeats, stale
detection, and agent selection for job dispatch. Selection is
capability-filtered and least-loaded by active jobs over declared
capacity, with affinity for a preferred agent and for agents already
hosting a lab's nodes.
*/
package registry
