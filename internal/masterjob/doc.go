// Package masterjob elects one active instance per duty among peers that
// only share a broadcast messaging fabric.
//
// Each Job runs a negotiation tick (a scheduler.Schedule) and a negotiation
// handler (a command registration). Both mutate the same state table and
// are serialized by the job's mutex; outbound messages are sent after the
// mutex is released. The election is best effort: there is no quorum and no
// persistent log, so a partition can briefly produce two masters until the
// yield rule collapses one of them.
package masterjob
