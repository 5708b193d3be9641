package entitlement

// Environment identifies the build/runtime environment the engine runs in.
type Environment string

const (
	EnvLocal      Environment = "local"
	EnvPreprod    Environment = "preprod"
	EnvProduction Environment = "production"
)

// PrimarySource returns the authority consulted first for the given
// environment. Sandboxed environments (local, preprod) lead with the
// platform ledger, because server-side validation cannot reach the vendor's
// sandbox. Production leads with the backend, because only the backend can
// independently re-validate against the vendor and a stale or compromised
// client must not self-grant access.
func PrimarySource(env Environment) Source {
	if env == EnvProduction {
		return SourceBackend
	}
	return SourcePlatform
}
