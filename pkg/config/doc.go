/*
Package config loads controller configuration from environment
variables. Every option has a documented default; Load validates the
combination once so components can treat the Config as immutable.
*/
package config
