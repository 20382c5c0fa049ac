package am

import "github.com/teranos/certifier/errors"

var (
	purposes     = map[string]bool{"authentication": true, "attestation": true}
	enclaveTypes = map[string]bool{"simulated-enclave": true, "gramine-enclave": true, "application-enclave": true}
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Data.Dir == "" {
		return errors.NewValidationf("data.dir cannot be empty")
	}
	for key, name := range map[string]string{
		"data.store_file":       c.Data.StoreFile,
		"data.policy_cert_file": c.Data.PolicyCertFile,
		"data.policy_key_file":  c.Data.PolicyKeyFile,
		"data.policy_file":      c.Data.PolicyFile,
	} {
		if name == "" {
			return errors.NewValidationf("%s cannot be empty", key)
		}
	}

	if err := validatePort("authority.port", c.Authority.Port); err != nil {
		return err
	}
	if err := validatePort("app.port", c.App.Port); err != nil {
		return err
	}

	if c.Authority.MaxFrameBytes < MinFrameBytes || c.Authority.MaxFrameBytes > MaxFrameBytes {
		return errors.NewValidationf("authority.max_frame_bytes must be within [%d, %d], got %d",
			MinFrameBytes, MaxFrameBytes, c.Authority.MaxFrameBytes)
	}
	if c.App.MaxMessageBytes < MinFrameBytes || c.App.MaxMessageBytes > MaxFrameBytes {
		return errors.NewValidationf("app.max_message_bytes must be within [%d, %d], got %d",
			MinFrameBytes, MaxFrameBytes, c.App.MaxMessageBytes)
	}

	// Rate limit: 0 = unlimited, negative = invalid
	if c.Authority.RequestsPerSecond < 0 {
		return errors.NewValidationf("authority.requests_per_second must be >= 0, got %f", c.Authority.RequestsPerSecond)
	}
	if c.Authority.Burst < 0 {
		return errors.NewValidationf("authority.burst must be >= 0, got %d", c.Authority.Burst)
	}

	for key, secs := range map[string]int{
		"authority.io_timeout_seconds":  c.Authority.IOTimeoutSeconds,
		"authority.cert_duration_days":  c.Authority.CertDurationDays,
		"app.handshake_timeout_seconds": c.App.HandshakeTimeoutSeconds,
		"trust.certify_timeout_seconds": c.Trust.CertifyTimeoutSeconds,
	} {
		if secs <= 0 {
			return errors.NewValidationf("%s must be > 0, got %d", key, secs)
		}
	}

	if !purposes[c.Trust.Purpose] {
		return errors.NewValidationf("trust.purpose must be authentication or attestation, got %q", c.Trust.Purpose)
	}
	if !enclaveTypes[c.Trust.EnclaveType] {
		return errors.NewValidationf("trust.enclave_type must be simulated-enclave, gramine-enclave or application-enclave, got %q", c.Trust.EnclaveType)
	}
	if c.Trust.EnclaveType == "application-enclave" {
		if c.Parent.ReadFD < 0 || c.Parent.WriteFD < 0 || c.Parent.ReadFD == c.Parent.WriteFD {
			return errors.NewValidationf("parent.read_fd and parent.write_fd must be distinct non-negative descriptors, got %d and %d", c.Parent.ReadFD, c.Parent.WriteFD)
		}
	}
	if c.Trust.EnclaveID == "" {
		return errors.NewValidationf("trust.enclave_id cannot be empty")
	}
	if c.Trust.RequiredPredicate == "" {
		return errors.NewValidationf("trust.required_predicate cannot be empty")
	}

	if c.Log.Verbosity < 0 {
		return errors.NewValidationf("log.verbosity must be >= 0, got %d", c.Log.Verbosity)
	}
	return nil
}

func validatePort(key string, port int) error {
	if port < 1 || port > 65535 {
		return errors.NewValidationf("%s must be within [1, 65535], got %d", key, port)
	}
	return nil
}
