// Package engine provides the core types and interfaces shared by the modsync
// synchronization engine.
//
// # Overview
//
// A sync cycle moves through a fixed sequence of states:
//
//  1. Fetching - retrieve and validate the module map
//  2. Diffing - compare the map against the live registry
//  3. Loading - fetch, verify and load changed modules in bounded batches
//  4. Publishing - swap in the new registry and module map snapshot
//
// CycleState tracks the phase a running cycle is in and CycleStatus records
// how a finished cycle ended.
//
// # Errors
//
// Failures are reported as *SyncError values classified by ErrorKind:
//
//	if engine.IsFetchError(err) {
//	    // the whole cycle was aborted; the previous registry stays live
//	}
//
// Only fetch errors abort a cycle. Integrity, load and admission errors are
// scoped to one module and leave the rest of the batch untouched.
//
// # Module Loading
//
// ModuleLoader is the contract between the batch loader and the runtime that
// executes modules. Implementations receive bytes that already passed
// integrity verification and return a Module handle the registry owns until
// it is retired.
package engine
