// Package am loads the certifier configuration ("am" as in "I am"): the
// data directory layout, the policy authority and application endpoints,
// the trust lifecycle algorithms and the enclave platform paths.
package am

// Config represents the certifier configuration
type Config struct {
	Data      DataConfig      `mapstructure:"data" toml:"data" json:"data" yaml:"data"`
	Authority AuthorityConfig `mapstructure:"authority" toml:"authority" json:"authority" yaml:"authority"`
	App       AppConfig       `mapstructure:"app" toml:"app" json:"app" yaml:"app"`
	Trust     TrustConfig     `mapstructure:"trust" toml:"trust" json:"trust" yaml:"trust"`
	Gramine   GramineConfig   `mapstructure:"gramine" toml:"gramine" json:"gramine" yaml:"gramine"`
	Parent    ParentConfig    `mapstructure:"parent" toml:"parent" json:"parent" yaml:"parent"`
	Log       LogConfig       `mapstructure:"log" toml:"log" json:"log" yaml:"log"`
}

// DataConfig locates persisted files. Relative file names resolve against Dir.
type DataConfig struct {
	Dir            string `mapstructure:"dir" toml:"dir" json:"dir" yaml:"dir"`
	StoreFile      string `mapstructure:"store_file" toml:"store_file" json:"store_file" yaml:"store_file"`
	PolicyCertFile string `mapstructure:"policy_cert_file" toml:"policy_cert_file" json:"policy_cert_file" yaml:"policy_cert_file"`
	PolicyKeyFile  string `mapstructure:"policy_key_file" toml:"policy_key_file" json:"policy_key_file" yaml:"policy_key_file"`
	PolicyFile     string `mapstructure:"policy_file" toml:"policy_file" json:"policy_file" yaml:"policy_file"`         // signed policy statements
	ManifestFile   string `mapstructure:"manifest_file" toml:"manifest_file" json:"manifest_file" yaml:"manifest_file"` // policy.toml compiled into policy_file
	PlatformDir    string `mapstructure:"platform_dir" toml:"platform_dir" json:"platform_dir" yaml:"platform_dir"`     // simulated platform material
}

// AuthorityConfig configures the policy authority service
type AuthorityConfig struct {
	Host               string  `mapstructure:"host" toml:"host" json:"host" yaml:"host"`
	Port               int     `mapstructure:"port" toml:"port" json:"port" yaml:"port"`
	MaxFrameBytes      int     `mapstructure:"max_frame_bytes" toml:"max_frame_bytes" json:"max_frame_bytes" yaml:"max_frame_bytes"`
	RequestsPerSecond  float64 `mapstructure:"requests_per_second" toml:"requests_per_second" json:"requests_per_second" yaml:"requests_per_second"` // 0 = unlimited
	Burst              int     `mapstructure:"burst" toml:"burst" json:"burst" yaml:"burst"`
	IOTimeoutSeconds   int     `mapstructure:"io_timeout_seconds" toml:"io_timeout_seconds" json:"io_timeout_seconds" yaml:"io_timeout_seconds"`
	CertDurationDays   int     `mapstructure:"cert_duration_days" toml:"cert_duration_days" json:"cert_duration_days" yaml:"cert_duration_days"`
	DatabasePath       string  `mapstructure:"database_path" toml:"database_path" json:"database_path" yaml:"database_path"`
	ProtocolConstraint string  `mapstructure:"protocol_constraint" toml:"protocol_constraint" json:"protocol_constraint" yaml:"protocol_constraint"` // semver constraint, e.g. "^1.0.0"
	WatchPolicy        bool    `mapstructure:"watch_policy" toml:"watch_policy" json:"watch_policy" yaml:"watch_policy"`                         // reload policy_file on change
	QuoteVerifierURL   string  `mapstructure:"quote_verifier_url" toml:"quote_verifier_url" json:"quote_verifier_url" yaml:"quote_verifier_url"` // empty refuses gramine evidence
	QuoteVerifierLocal bool    `mapstructure:"quote_verifier_local" toml:"quote_verifier_local" json:"quote_verifier_local" yaml:"quote_verifier_local"` // allow a verifier on loopback/private addresses
}

// AppConfig configures the example application's channel endpoint
type AppConfig struct {
	Host                    string `mapstructure:"host" toml:"host" json:"host" yaml:"host"`
	Port                    int    `mapstructure:"port" toml:"port" json:"port" yaml:"port"`
	HandshakeTimeoutSeconds int    `mapstructure:"handshake_timeout_seconds" toml:"handshake_timeout_seconds" json:"handshake_timeout_seconds" yaml:"handshake_timeout_seconds"`
	MaxMessageBytes         int    `mapstructure:"max_message_bytes" toml:"max_message_bytes" json:"max_message_bytes" yaml:"max_message_bytes"`
}

// TrustConfig configures the trust lifecycle
type TrustConfig struct {
	EnclaveType           string `mapstructure:"enclave_type" toml:"enclave_type" json:"enclave_type" yaml:"enclave_type"` // simulated-enclave, gramine-enclave, application-enclave
	EnclaveID             string `mapstructure:"enclave_id" toml:"enclave_id" json:"enclave_id" yaml:"enclave_id"`
	Purpose               string `mapstructure:"purpose" toml:"purpose" json:"purpose" yaml:"purpose"` // authentication, attestation
	PublicKeyAlg          string `mapstructure:"public_key_alg" toml:"public_key_alg" json:"public_key_alg" yaml:"public_key_alg"`
	SymmetricAlg          string `mapstructure:"symmetric_alg" toml:"symmetric_alg" json:"symmetric_alg" yaml:"symmetric_alg"`
	HashAlg               string `mapstructure:"hash_alg" toml:"hash_alg" json:"hash_alg" yaml:"hash_alg"`
	HMACAlg               string `mapstructure:"hmac_alg" toml:"hmac_alg" json:"hmac_alg" yaml:"hmac_alg"`
	RequiredPredicate     string `mapstructure:"required_predicate" toml:"required_predicate" json:"required_predicate" yaml:"required_predicate"`
	CertifyTimeoutSeconds int    `mapstructure:"certify_timeout_seconds" toml:"certify_timeout_seconds" json:"certify_timeout_seconds" yaml:"certify_timeout_seconds"`
}

// GramineConfig locates the Gramine attestation pseudo-files
type GramineConfig struct {
	UserReportDataPath string `mapstructure:"user_report_data_path" toml:"user_report_data_path" json:"user_report_data_path" yaml:"user_report_data_path"`
	QuotePath          string `mapstructure:"quote_path" toml:"quote_path" json:"quote_path" yaml:"quote_path"`
	SealKeyPath        string `mapstructure:"seal_key_path" toml:"seal_key_path" json:"seal_key_path" yaml:"seal_key_path"`
}

// ParentConfig locates the pipes an application enclave shares with the
// parent that launched it
type ParentConfig struct {
	ReadFD  int `mapstructure:"read_fd" toml:"read_fd" json:"read_fd" yaml:"read_fd"`
	WriteFD int `mapstructure:"write_fd" toml:"write_fd" json:"write_fd" yaml:"write_fd"`
}

// LogConfig configures logging
type LogConfig struct {
	JSON      bool `mapstructure:"json" toml:"json" json:"json" yaml:"json"`
	Verbosity int  `mapstructure:"verbosity" toml:"verbosity" json:"verbosity" yaml:"verbosity"`
}

// Default endpoints
const (
	DefaultAuthorityPort = 8123
	DefaultAppPort       = 8124
)

// Frame size bounds accepted by Validate
const (
	MinFrameBytes = 1 << 10
	MaxFrameBytes = 64 << 20
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
