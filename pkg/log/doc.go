/*
Package log provides structured logging for Archetype built on zerolog.

Init configures the global logger once at startup; components derive
child loggers with WithComponent and the domain field helpers (WithLab,
WithAgent, WithJob, WithLink) so every line carries the identifiers an
operator greps for.
*/
package log
