// Package domain contains the core domain entities and value objects for
// imagewal.
//
// This package represents the innermost layer of the module. It has no
// dependencies on infrastructure concerns (file system, logging) and contains
// only the log's data model and invariants.
//
// # Entities
//
//   - [Entry]: one physical record in the log (BEGIN, DATA, END, ABORT, MARK)
//   - [Frame]: one logical transaction, delimited by BEGIN and END (or ABORT),
//     classified as complete, incomplete, or aborted
//
// # Design Principles
//
// Domain entities are:
//   - Immutable after construction (where practical)
//   - Free of infrastructure dependencies
//   - Testable without mocks or external systems
package domain
