// Package commands implements the certifier CLI subcommands.
package commands

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teranos/certifier/am"
	"github.com/teranos/certifier/enclave"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/keys"
	"github.com/teranos/certifier/vse"
)

// loadConfig loads the configuration cascade, applies the --data-dir
// override and validates the result.
func loadConfig(cmd *cobra.Command) (*am.Config, error) {
	loaded, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	cfg := *loaded
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Data.Dir = dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return &cfg, nil
}

// openEnclave returns the enclave selected by trust.enclave_type.
func openEnclave(cfg *am.Config) (enclave.Enclave, error) {
	switch cfg.Trust.EnclaveType {
	case enclave.TypeSimulated:
		return enclave.LoadSimulated(cfg.PlatformDir(), cfg.Trust.EnclaveID)
	case enclave.TypeGramine:
		return enclave.NewGramine(enclave.GramineConfig{
			ID:                 cfg.Trust.EnclaveID,
			UserReportDataPath: cfg.Gramine.UserReportDataPath,
			QuotePath:          cfg.Gramine.QuotePath,
			SealKeyPath:        cfg.Gramine.SealKeyPath,
		})
	case enclave.TypeApplication:
		return enclave.NewApplication(enclave.ApplicationConfig{
			ID:            cfg.Trust.EnclaveID,
			Reader:        os.NewFile(uintptr(cfg.Parent.ReadFD), "parent-responses"),
			Writer:        os.NewFile(uintptr(cfg.Parent.WriteFD), "parent-requests"),
			MaxFrameBytes: cfg.Authority.MaxFrameBytes,
		})
	default:
		return nil, errors.NewValidationf("unsupported enclave type %q", cfg.Trust.EnclaveType)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// FormatError renders err with any operator hints attached to it.
func FormatError(err error) string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(err.Error())
	for _, hint := range errors.GetAllHints(err) {
		b.WriteString("\nHint: ")
		b.WriteString(hint)
	}
	return b.String()
}

// loadPolicyRoot reads the policy root certificate and returns its key.
func loadPolicyRoot(path string) (*vse.Key, error) {
	der, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.MarkIO(err, "failed to read policy certificate")
	}
	cert, err := keys.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return keys.KeyFromCertificate(cert, "policy-key")
}
