/*
Package handler maps task types to the functions that execute them.

A handler receives the task plus its injection context and returns an
error to signal failure; nil means success. Handlers must be idempotent
(delivery is at-least-once) and must honor context cancellation, since
the consumer enforces the per-task deadline from outside.

The registry resolves by task type and falls back to a default handler
when no specific one is registered. The default in production is the
market adapter, which performs the authenticated HTTP fetch against the
venue quote API for the task's market.
*/
package handler
