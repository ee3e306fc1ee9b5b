// Package config loads the modsync configuration.
//
// A configuration document may be written in CUE, YAML, TOML or JSON. Every
// format is checked against the same closed CUE schema, so unknown fields
// and type errors are reported with their path before the document is
// decoded on top of the defaults. Environment overrides (MODSYNC_*) and .env
// files are applied afterwards, and the final struct is validated with
// go-playground/validator.
//
//	cfg, err := config.Resolve("modsync.yaml")
//	if err != nil {
//		return err
//	}
//
// Setting MODSYNC_DANGEROUSLY_DISABLE_CSP=true keeps the policy store
// updated but stops the Content-Security-Policy header from being sent.
package config
