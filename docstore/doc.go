// Package docstore serves documents from the write-behind queue and the
// repository, and completes them by asking search wrappers for details.
//
// A request for full documents runs a completion round for the documents
// that the decision policy says are worth completing. The round sends one
// detail request to every wrapper that found the documents, and to every
// wrapper in the same category, then waits until all have answered or the
// time budget runs out. Answers that arrive after the round are still
// written to the repository.
package docstore
