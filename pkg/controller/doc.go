/*
Package controller assembles the process: it builds every component
over the shared store and bus, binds the cleanup handlers, supervises
the background loops, and serves the HTTP surface until shutdown.
*/
package controller
