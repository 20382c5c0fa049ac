package am

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Data layout
	v.SetDefault("data.dir", "./certifier-data")
	v.SetDefault("data.store_file", "store.bin")
	v.SetDefault("data.policy_cert_file", "policy_cert_file.bin")
	v.SetDefault("data.policy_key_file", "policy_key_file.bin")
	v.SetDefault("data.policy_file", "policy.bin")
	v.SetDefault("data.manifest_file", "policy.toml")
	v.SetDefault("data.platform_dir", "platform")

	// Policy authority
	v.SetDefault("authority.host", "localhost")
	v.SetDefault("authority.port", DefaultAuthorityPort)
	v.SetDefault("authority.max_frame_bytes", 1<<20)
	v.SetDefault("authority.requests_per_second", 10.0)
	v.SetDefault("authority.burst", 20)
	v.SetDefault("authority.io_timeout_seconds", 30)
	v.SetDefault("authority.cert_duration_days", 365)
	v.SetDefault("authority.database_path", "authority.db")
	v.SetDefault("authority.protocol_constraint", "^1.0.0")
	v.SetDefault("authority.watch_policy", true)
	v.SetDefault("authority.quote_verifier_url", "")
	v.SetDefault("authority.quote_verifier_local", false)

	// Example application
	v.SetDefault("app.host", "localhost")
	v.SetDefault("app.port", DefaultAppPort)
	v.SetDefault("app.handshake_timeout_seconds", 10)
	v.SetDefault("app.max_message_bytes", 1<<20)

	// Trust lifecycle
	v.SetDefault("trust.enclave_type", "simulated-enclave")
	v.SetDefault("trust.enclave_id", "app")
	v.SetDefault("trust.purpose", "authentication")
	v.SetDefault("trust.public_key_alg", "rsa-2048")
	v.SetDefault("trust.symmetric_alg", "aes-256")
	v.SetDefault("trust.hash_alg", "sha-256")
	v.SetDefault("trust.hmac_alg", "sha-256-hmac")
	v.SetDefault("trust.required_predicate", "is-trusted-for-authentication")
	v.SetDefault("trust.certify_timeout_seconds", 30)

	// Gramine pseudo-files
	v.SetDefault("gramine.user_report_data_path", "/dev/attestation/user_report_data")
	v.SetDefault("gramine.quote_path", "/dev/attestation/quote")
	v.SetDefault("gramine.seal_key_path", "/dev/attestation/keys/_sgx_mrenclave")

	// Pipes inherited from a parent enclave (ExtraFiles 0 and 1)
	v.SetDefault("parent.read_fd", 3)
	v.SetDefault("parent.write_fd", 4)

	v.SetDefault("log.json", false)
	v.SetDefault("log.verbosity", 0)
}

// BindEnvVars explicitly binds settings commonly overridden per deployment
func BindEnvVars(v *viper.Viper) {
	v.BindEnv("data.dir", "CERTIFIER_DATA_DIR")
	v.BindEnv("authority.host", "CERTIFIER_AUTHORITY_HOST")
	v.BindEnv("authority.port", "CERTIFIER_AUTHORITY_PORT")
	v.BindEnv("trust.enclave_type", "CERTIFIER_ENCLAVE_TYPE")
}

// DataPath resolves a file name from the data section against data.dir.
// Absolute names are returned unchanged.
func (c *Config) DataPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Data.Dir, name)
}

// StorePath returns the sealed store location
func (c *Config) StorePath() string { return c.DataPath(c.Data.StoreFile) }

// PolicyCertPath returns the policy root certificate location
func (c *Config) PolicyCertPath() string { return c.DataPath(c.Data.PolicyCertFile) }

// PolicyFilePath returns the signed policy statements location
func (c *Config) PolicyFilePath() string { return c.DataPath(c.Data.PolicyFile) }

// ManifestPath returns the policy manifest location
func (c *Config) ManifestPath() string { return c.DataPath(c.Data.ManifestFile) }

// PlatformDir returns the simulated platform material directory
func (c *Config) PlatformDir() string { return c.DataPath(c.Data.PlatformDir) }

// DatabasePath returns the authority issuance ledger location
func (c *Config) DatabasePath() string { return c.DataPath(c.Authority.DatabasePath) }

// AuthorityAddr returns host:port of the policy authority
func (c *Config) AuthorityAddr() string {
	return fmt.Sprintf("%s:%d", c.Authority.Host, c.Authority.Port)
}

// AppAddr returns host:port of the application channel endpoint
func (c *Config) AppAddr() string {
	return fmt.Sprintf("%s:%d", c.App.Host, c.App.Port)
}

// CertifyTimeout returns trust.certify_timeout_seconds as a duration
func (c *Config) CertifyTimeout() time.Duration {
	return time.Duration(c.Trust.CertifyTimeoutSeconds) * time.Second
}

// HandshakeTimeout returns app.handshake_timeout_seconds as a duration
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.App.HandshakeTimeoutSeconds) * time.Second
}

// IOTimeout returns authority.io_timeout_seconds as a duration
func (c *Config) IOTimeout() time.Duration {
	return time.Duration(c.Authority.IOTimeoutSeconds) * time.Second
}

// CertDuration returns authority.cert_duration_days as a duration
func (c *Config) CertDuration() time.Duration {
	return time.Duration(c.Authority.CertDurationDays) * 24 * time.Hour
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Data: %s, Authority: %s, App: %s, Enclave: %s}",
		c.Data.Dir, c.AuthorityAddr(), c.AppAddr(), c.Trust.EnclaveType)
}
