/*
Package log provides structured logging for all crawler components.

It wraps zerolog behind a small API: Init configures the global logger once
at process start (JSON in production, console output for local runs), and
the With* helpers derive child loggers carrying the standard correlation
fields (component, worker_id, task_id, market).

Components hold their own child logger rather than calling the package-level
helpers, so every line they emit is tagged consistently.
*/
package log
