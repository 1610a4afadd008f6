// Package aggregates defines the domain-facing side of the persistence core.
//
// Aggregate roots embed Root, which carries the primary key, the optimistic concurrency
// version and the binding to the unit of work that loaded or created the instance.
// Error codes defined here are the only failure vocabulary that crosses provider
// boundaries; provider-native errors are translated before they reach repositories.
package aggregates
