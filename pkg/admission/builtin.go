package admission

// Package name and query every admission policy contributes to.
const (
	PolicyPackage = "modsync.admission"
	DenyQuery     = "data." + PolicyPackage + ".deny"
)

// BuiltinPolicies returns the policies compiled into every engine.
func BuiltinPolicies() []Policy {
	return []Policy{
		secureTransportPolicy(),
		serverArtifactPolicy(),
	}
}

// secureTransportPolicy rejects artifacts served over plain http.
func secureTransportPolicy() Policy {
	return Policy{
		Name:        "builtin/secure-transport.rego",
		Description: "Artifacts must not be fetched over plain http unless insecure sources are allowed",
		Builtin:     true,
		Rego: `package modsync.admission

deny contains msg if {
	not input.allow_insecure
	some env, artifact in input.artifacts
	startswith(lower(artifact.url), "http://")
	msg := sprintf("%s artifact is served over plain http: %s", [env, artifact.url])
}
`,
	}
}

// serverArtifactPolicy rejects modules the server cannot load.
func serverArtifactPolicy() Policy {
	return Policy{
		Name:        "builtin/server-artifact.rego",
		Description: "Modules must declare an artifact for the server environment",
		Builtin:     true,
		Rego: `package modsync.admission

deny contains msg if {
	not input.artifacts[input.environment]
	msg := sprintf("no %s artifact declared", [input.environment])
}
`,
	}
}
