// Package knowledge defines the vector-searchable document store used for
// semantic retrieval across memory tiers.
//
// Short-term messages, long-term records, and account profiles are all
// represented uniformly as Documents tagged by the "kind" metadata field, so
// one index serves every tier. A Document indexed is decoupled from its
// source: deleting a buffered message does not retract the indexed copy
// unless it is removed explicitly.
//
// Architecture:
//   - KnowledgeBase: storage plus similarity query with metadata and content
//     filters (chromem-go backed implementation in the chromem subpackage)
//   - Embedder: text-to-vector conversion, an implementation detail of the
//     index that callers never invoke directly
package knowledge
