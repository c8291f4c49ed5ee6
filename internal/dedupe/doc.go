// Package dedupe contains the duplicate-lead detection and merge logic: the
// Finder (per-lead duplicate search), the Merger (destination selection and
// dry-run-gated merge execution), and the Walker (full-dataset iteration
// with offset compensation).
//
// Processing is single-threaded and sequential. Leads are always visited in
// creation-time-ascending order because every query carries a
// sort:date_created directive, so the oldest member of any duplicate group
// is seen first.
//
// Known limitation: if this tool merges lead A into lead B while a separate
// process concurrently merges B into A, both records can be destroyed. The
// per-page subsumed-ID set prevents this tool from racing itself, but
// nothing protects against concurrent external mutation. That is an
// accepted property of the scheme, not a bug to patch here.
package dedupe
