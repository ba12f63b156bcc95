// Package observability provides the mailbox audit log, metrics, and
// alerting. The audit log is append-only JSON Lines under Logs/; metrics are
// derived from it on demand and alerts are derived from vault state.
package observability
