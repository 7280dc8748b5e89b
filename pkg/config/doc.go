/*
Package config loads and validates process configuration.

Configuration is layered: built-in defaults, then an optional YAML file,
then environment variable overrides (WORKER_ID, REDIS_ADDR,
MAX_CONCURRENT_TASKS, ...). The result is validated once and passed by
value; no package-level mutable settings exist.
*/
package config
