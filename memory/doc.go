// Package memory implements tiered conversational memory: per-conversation
// short-term buffers with monotonic sequence numbers, a background scheduler
// that distills unsummarized tails into long-term records and an account
// profile, and a retrieval façade spanning the tiers.
//
// The write path is local-first. Appends update the buffer synchronously;
// hub mirroring and short-term indexing happen off the caller's path and
// their failures never surface to the appender. The high-water mark ties the
// tiers together: a buffer turn may only be evicted once a long-term record
// covering it has been committed.
package memory
