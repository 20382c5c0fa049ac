package commands

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/certifier/am"
	"github.com/teranos/certifier/channel"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/logger"
	"github.com/teranos/certifier/proof"
	"github.com/teranos/certifier/store"
	"github.com/teranos/certifier/trust"
)

// Messages exchanged by the example application.
const (
	clientGreeting = "Hi from your secret client"
	serverGreeting = "Hi from your secret server"
)

// AppCmd runs the example application end to end: establish trust with the
// policy authority, then serve or dial the authenticated channel.
var AppCmd = &cobra.Command{
	Use:   "app",
	Short: "Run the example application",
	Long: `Run the full trust lifecycle and exchange one message over the secure channel.

The policy root certificate is loaded from the data directory. If a sealed
store exists the component warm restarts and reuses its admission
certificate while it is valid; otherwise it cold initialises and asks the
policy authority for certification. Sensitive material is scrubbed on
every exit path.

The server accepts channels one at a time, reads a message from each peer
and replies. The client makes one connection attempt.

Examples:
  certifier app --role server --data-dir ./server-data
  certifier app --role client --data-dir ./client-data`,
	RunE: runApp,
}

var appRole string

func init() {
	AppCmd.Flags().StringVar(&appRole, "role", "client", "Role to play: server or client")
}

func runApp(cmd *cobra.Command, args []string) error {
	if appRole != "server" && appRole != "client" {
		return errors.NewValidationf("--role must be server or client, got %q", appRole)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Trust.Purpose != proof.PurposeAuthentication {
		return errors.WithHint(
			errors.NewValidationf("the secure channel needs an admission certificate, but trust.purpose is %q", cfg.Trust.Purpose),
			"set trust.purpose = \"authentication\"")
	}

	enc, err := openEnclave(cfg)
	if err != nil {
		return err
	}
	tc, err := trust.New(enc, trust.Options{
		Purpose:        cfg.Trust.Purpose,
		StorePath:      cfg.StorePath(),
		CertifyTimeout: cfg.CertifyTimeout(),
		MaxFrameBytes:  cfg.Authority.MaxFrameBytes,
	}, logger.ComponentLogger("trust"))
	if err != nil {
		return err
	}
	defer tc.ClearSensitiveData()

	ctx, cancel := signalContext()
	defer cancel()

	if err := establishTrust(ctx, cfg, tc); err != nil {
		return errors.Wrap(err, "failed to establish trust")
	}
	pterm.Success.Printf("Trust context %s\n", tc.State())

	gate, err := channel.NewGate(tc, channel.Options{
		RequiredPredicate: cfg.Trust.RequiredPredicate,
		HandshakeTimeout:  cfg.HandshakeTimeout(),
		MaxMessageBytes:   cfg.App.MaxMessageBytes,
	}, logger.ComponentLogger("channel"))
	if err != nil {
		return err
	}

	if appRole == "server" {
		return serveApp(ctx, cfg, gate)
	}
	return dialApp(ctx, cfg, gate)
}

// establishTrust brings tc from Uninitialized to Active, reusing the sealed
// store when one exists.
func establishTrust(ctx context.Context, cfg *am.Config, tc *trust.Context) error {
	log := logger.ComponentLogger("app")

	policyCert, err := os.ReadFile(cfg.PolicyCertPath())
	if err != nil {
		return errors.WithHint(errors.MarkIO(err, "failed to read policy certificate"),
			"copy policy_cert_file.bin from the authority's data directory")
	}
	if err := tc.InitPolicyKey(policyCert); err != nil {
		return err
	}

	if _, err := os.Stat(cfg.StorePath()); err == nil {
		if err := tc.WarmRestart(); err != nil {
			return err
		}
		err := tc.Resume()
		if err == nil {
			log.Infow("Resumed with stored credentials", logger.FieldFile, cfg.StorePath())
			return nil
		}
		log.Infow("Stored credentials unusable, recertifying", logger.FieldError, err)
	} else {
		algs := store.Algorithms{
			PublicKey: cfg.Trust.PublicKeyAlg,
			Symmetric: cfg.Trust.SymmetricAlg,
			Hash:      cfg.Trust.HashAlg,
			HMAC:      cfg.Trust.HMACAlg,
		}
		if err := tc.ColdInit(algs); err != nil {
			return err
		}
	}

	return tc.CertifyMe(ctx, cfg.Authority.Host, cfg.Authority.Port)
}

func serveApp(ctx context.Context, cfg *am.Config, gate *channel.Gate) error {
	ln, err := net.Listen("tcp", cfg.AppAddr())
	if err != nil {
		return errors.MarkIO(err, "failed to listen on "+cfg.AppAddr())
	}
	pterm.Info.Printf("Serving secure channel on %s (Ctrl+C to stop)\n", ln.Addr())

	return gate.Serve(ctx, ln, func(ctx context.Context, ch *channel.Channel) error {
		if err := ch.SetDeadline(time.Now().Add(cfg.HandshakeTimeout())); err != nil {
			return err
		}
		msg, err := ch.Read()
		if err != nil {
			return err
		}
		pterm.Info.Printf("%s: %s\n", ch.PeerID, msg)
		return ch.Write([]byte(serverGreeting))
	})
}

func dialApp(ctx context.Context, cfg *am.Config, gate *channel.Gate) error {
	return gate.Dial(ctx, cfg.AppAddr(), func(ctx context.Context, ch *channel.Channel) error {
		if err := ch.SetDeadline(time.Now().Add(cfg.HandshakeTimeout())); err != nil {
			return err
		}
		if err := ch.Write([]byte(clientGreeting)); err != nil {
			return err
		}
		reply, err := ch.Read()
		if err != nil {
			return err
		}
		pterm.Success.Printf("%s: %s\n", ch.PeerID, reply)
		return nil
	})
}
