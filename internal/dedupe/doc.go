// Package dedupe tracks idempotency keys for turn submissions in a
// time-bounded cache, so a retried request is answered instead of re-run.
package dedupe
