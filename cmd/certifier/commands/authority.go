package commands

import (
	"net"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/certifier/am"
	"github.com/teranos/certifier/authority"
	"github.com/teranos/certifier/db"
	"github.com/teranos/certifier/dominance"
	"github.com/teranos/certifier/enclave"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/keys"
	"github.com/teranos/certifier/logger"
	"github.com/teranos/certifier/policy"
)

// AuthorityCmd groups the policy authority commands
var AuthorityCmd = &cobra.Command{
	Use:   "authority",
	Short: "Initialise and run the policy authority",
	Long: `The policy authority holds the policy key. It verifies attested evidence
against the signed policy and issues admission certificates and platform
rules to components that satisfy it.`,
}

var authorityInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the policy key and self-signed root certificate",
	RunE:  runAuthorityInit,
}

var authorityServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve trust requests",
	Long: `Serve trust requests on authority.host:authority.port.

The signed policy file is loaded at startup and, with authority.watch_policy,
reloaded whenever it changes. Issued certificates are recorded in the
SQLite ledger at authority.database_path.`,
	RunE: runAuthorityServe,
}

var (
	authorityAlg   string
	authorityName  string
	authorityForce bool
)

func init() {
	authorityInitCmd.Flags().StringVar(&authorityAlg, "alg", keys.AlgRSA2048, "Policy key algorithm")
	authorityInitCmd.Flags().StringVar(&authorityName, "name", "policyAuthority", "Root certificate common name")
	authorityInitCmd.Flags().BoolVar(&authorityForce, "force", false, "Overwrite existing policy key")

	AuthorityCmd.AddCommand(authorityInitCmd)
	AuthorityCmd.AddCommand(authorityServeCmd)
}

func policyKeyPath(cfg *am.Config) string { return cfg.DataPath(cfg.Data.PolicyKeyFile) }

func runAuthorityInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	keyPath := policyKeyPath(cfg)
	if _, err := os.Stat(keyPath); err == nil && !authorityForce {
		return errors.WithHint(errors.NewValidationf("policy key %s already exists", keyPath),
			"pass --force to replace it; every issued certificate becomes unverifiable")
	}

	m, err := authority.NewMaterial(authorityAlg, authorityName, cfg.CertDuration()*10)
	if err != nil {
		return err
	}
	if err := m.Save(keyPath, cfg.PolicyCertPath()); err != nil {
		return err
	}

	pterm.Success.Println("Policy authority initialised")
	pterm.Printf("  Policy key:  %s (%s)\n", keyPath, keys.ID(m.PolicyKey))
	pterm.Printf("  Root cert:   %s\n", cfg.PolicyCertPath())
	pterm.Info.Println("Distribute the root certificate to every component's data directory.")
	return nil
}

func runAuthorityServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.ComponentLogger("authority")

	material, err := authority.LoadMaterial(policyKeyPath(cfg), cfg.PolicyCertPath())
	if err != nil {
		return err
	}
	defer material.PolicyKey.Zeroize()

	statements, err := policy.Load(cfg.PolicyFilePath())
	if err != nil {
		return err
	}
	pool, err := policy.NewPool(material.PolicyKey.Public(), statements)
	if err != nil {
		return err
	}
	log.Infow("Policy loaded", logger.FieldFile, cfg.PolicyFilePath(), "statements", pool.Len())

	if cfg.Authority.WatchPolicy {
		w, err := policy.NewWatcher(cfg.PolicyFilePath(), pool, logger.ComponentLogger("policy"))
		if err != nil {
			return err
		}
		w.Start()
		defer w.Stop()
	}

	conn, err := db.OpenWithMigrations(cfg.DatabasePath(), logger.ComponentLogger("db"))
	if err != nil {
		return err
	}
	defer conn.Close()

	var quotes enclave.QuoteVerifier
	if cfg.Authority.QuoteVerifierURL != "" {
		quotes, err = enclave.NewRemoteQuoteVerifier(cfg.Authority.QuoteVerifierURL, cfg.IOTimeout(), cfg.Authority.QuoteVerifierLocal)
		if err != nil {
			return err
		}
	}

	svc, err := authority.NewService(authority.Config{
		PolicyKey:          material.PolicyKey,
		PolicyCert:         material.PolicyCert,
		Policy:             pool,
		Index:              dominance.NewDefault(),
		Ledger:             authority.NewLedger(conn),
		Quotes:             quotes,
		CertDuration:       cfg.CertDuration(),
		ProtocolConstraint: cfg.Authority.ProtocolConstraint,
	}, log)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.AuthorityAddr())
	if err != nil {
		return errors.MarkIO(err, "failed to listen on "+cfg.AuthorityAddr())
	}
	pterm.Info.Printf("Policy authority serving on %s (Ctrl+C to stop)\n", ln.Addr())

	ctx, cancel := signalContext()
	defer cancel()
	srv := authority.NewServer(svc, authority.ServerOptions{
		MaxFrameBytes:     cfg.Authority.MaxFrameBytes,
		IOTimeout:         cfg.IOTimeout(),
		RequestsPerSecond: cfg.Authority.RequestsPerSecond,
		Burst:             cfg.Authority.Burst,
	}, log)
	return srv.Serve(ctx, ln)
}
