// Package syncer reconciles the live module registry with a remote manifest.
//
// A cycle fetches the manifest, diffs it against the live registry and, when
// anything changed, admits and loads the added and updated modules in
// batches. The loaded subset is committed by swapping in a new registry;
// only then is the client manifest snapshot replaced and the root module's
// content security policy re-applied. Failed adds are dropped, failed
// updates keep the version already loaded, and replaced handles are closed
// after a grace period.
//
// The orchestrator does not serialize cycles. Callers that may overlap them
// should go through scheduler.Poller.
package syncer
