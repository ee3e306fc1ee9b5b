// Package admission decides whether a candidate module may be loaded.
//
// Policies are rego modules in package modsync.admission contributing to a
// deny set. The engine evaluates data.modsync.admission.deny with an input
// of the form
//
//	{
//	  "module": "some-root",
//	  "artifacts": {"node": {"url": "...", "integrity": "..."}, ...},
//	  "environment": "node",
//	  "allow_insecure": false
//	}
//
// and a module is admitted when the set is empty. Two policies are built in:
// artifacts served over plain http are denied unless insecure sources are
// allowed, and modules without an artifact for the server environment are
// denied. Extra .rego files can be loaded from disk and are recompiled when
// they change.
package admission
