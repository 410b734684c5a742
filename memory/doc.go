// Package memory implements long-term user memory for conversational agents.
//
// Facts are extracted from conversations, reconciled against the memories a
// user already has, persisted atomically per batch, and later retrieved by
// vector similarity. Memories are scoped by (namespace, userId).
//
// Architecture:
//   - Store: key/value + document backend holding memory documents and
//     per-user membership sets (Redis in production, see store/redisstore)
//   - Embedder: text-to-vector conversion (OpenAI, ONNX, cached, mock)
//   - FactExtractor: conversation -> candidate facts (LLM, structured output)
//   - Reconciler: facts + existing memories -> ADD/UPDATE/DELETE/NONE plan
//   - Pipeline: applies a plan as one store transaction
//   - Retriever: top-K memories via an ANN index, with exhaustive cosine
//     ranking as the fallback strategy
//   - RecallManager: the request-facing boundary that never fails a caller
//     because of a memory fault
//
// Integration:
//   - READ path: RecallManager.Recall answers synchronously from the index
//   - WRITE path: a background job (package jobs) runs extract -> reconcile -> persist
package memory
