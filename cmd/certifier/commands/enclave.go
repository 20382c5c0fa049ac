package commands

import (
	"context"
	"encoding/hex"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/certifier/am"
	"github.com/teranos/certifier/claims"
	"github.com/teranos/certifier/enclave"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/logger"
	"github.com/teranos/certifier/policy"
)

// EnclaveCmd groups enclave platform commands
var EnclaveCmd = &cobra.Command{
	Use:   "enclave",
	Short: "Manage simulated enclave platform material",
}

var enclaveProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Generate simulated platform keys, endorsement and sealing secret",
	Long: `Generate the material a simulated enclave needs: a platform key, an
attestation key endorsed by it and a sealing secret, written to
data.platform_dir.

If no policy manifest exists yet, a starter policy.toml trusting the
simulated measurement and this platform key is written next to it.`,
	RunE: runEnclaveProvision,
}

var enclaveHostCmd = &cobra.Command{
	Use:   "host [--child-id ID] -- command [args...]",
	Short: "Run a command as an application enclave of the simulated platform",
	Long: `Run a command as an application enclave. The simulated platform in
data.platform_dir acts as its parent: the child's seal, unseal, attest and
getcerts requests arrive over two inherited pipes and are answered with the
platform's keys.

The child sees trust.enclave_type = application-enclave and the pipes on
descriptors 3 (responses) and 4 (requests).

Examples:
  certifier enclave host -- certifier app --role server --data-dir ./child`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEnclaveHost,
}

var hostChildID string

func init() {
	enclaveHostCmd.Flags().StringVar(&hostChildID, "child-id", "app", "Enclave id of the hosted application")

	EnclaveCmd.AddCommand(enclaveProvisionCmd)
	EnclaveCmd.AddCommand(enclaveHostCmd)
}

func runEnclaveProvision(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dir := cfg.PlatformDir()
	if err := enclave.ProvisionSimulated(dir); err != nil {
		return err
	}
	pterm.Success.Printf("Simulated platform material written to %s\n", dir)
	measurement := hex.EncodeToString(enclave.DefaultMeasurement())
	pterm.Printf("  Measurement: %s\n", measurement)

	manifest := cfg.ManifestPath()
	if _, err := os.Stat(manifest); err == nil {
		pterm.Info.Printf("Keeping existing manifest %s\n", manifest)
		return nil
	}
	keyFile, err := filepath.Rel(filepath.Dir(manifest), filepath.Join(dir, enclave.PlatformKeyFile))
	if err != nil {
		keyFile = filepath.Join(dir, enclave.PlatformKeyFile)
	}
	starter := &policy.Manifest{
		ValidityDays: policy.DefaultValidityDays,
		Measurements: []string{measurement},
		Platforms:    []policy.Platform{{Name: "simulated", KeyFile: keyFile}},
	}
	if err := policy.SaveManifest(manifest, starter); err != nil {
		return errors.Wrap(err, "failed to write starter manifest")
	}
	pterm.Info.Printf("Starter manifest written to %s; compile it with 'certifier policy compile'\n", manifest)
	return nil
}

func runEnclaveHost(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	host, err := enclave.LoadSimulated(cfg.PlatformDir(), cfg.Trust.EnclaveID)
	if err != nil {
		return err
	}
	parent, err := enclave.NewParent(host, hostChildID, []*claims.SignedClaim{host.Endorsement()},
		cfg.Authority.MaxFrameBytes, logger.ComponentLogger("parent"))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	child, err := hostChild(ctx, cfg, args)
	if err != nil {
		return err
	}
	if err := child.cmd.Start(); err != nil {
		child.close()
		return errors.MarkIO(err, "failed to start "+args[0])
	}
	// The child holds its own copies now
	child.responsesR.Close()
	child.requestsW.Close()
	pterm.Info.Printf("Hosting %s as application enclave %q\n", args[0], hostChildID)

	served := make(chan error, 1)
	go func() { served <- parent.Serve(ctx, child.requestsR, child.responsesW) }()

	// Serve sees EOF once the child's end of the request pipe is gone
	waitErr := child.cmd.Wait()
	serveErr := <-served
	child.responsesW.Close()
	child.requestsR.Close()
	if serveErr != nil {
		return serveErr
	}
	if waitErr != nil {
		return errors.Wrapf(waitErr, "hosted command %s failed", args[0])
	}
	return nil
}

// hostedChild is a command wired to a parent over two pipes.
type hostedChild struct {
	cmd                    *exec.Cmd
	responsesR, responsesW *os.File
	requestsR, requestsW   *os.File
}

func (h *hostedChild) close() {
	for _, f := range []*os.File{h.responsesR, h.responsesW, h.requestsR, h.requestsW} {
		f.Close()
	}
}

// hostChild prepares args to run with the response pipe on descriptor 3
// and the request pipe on descriptor 4.
func hostChild(ctx context.Context, cfg *am.Config, args []string) (*hostedChild, error) {
	responsesR, responsesW, err := os.Pipe()
	if err != nil {
		return nil, errors.MarkIO(err, "failed to create parent pipe")
	}
	requestsR, requestsW, err := os.Pipe()
	if err != nil {
		responsesR.Close()
		responsesW.Close()
		return nil, errors.MarkIO(err, "failed to create parent pipe")
	}

	c := exec.CommandContext(ctx, args[0], args[1:]...)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	c.ExtraFiles = []*os.File{responsesR, requestsW}
	c.Env = append(os.Environ(),
		"CERTIFIER_ENCLAVE_TYPE="+enclave.TypeApplication,
		am.EnvPrefix+"_TRUST_ENCLAVE_ID="+hostChildID,
		am.EnvPrefix+"_PARENT_READ_FD=3",
		am.EnvPrefix+"_PARENT_WRITE_FD=4",
		am.EnvPrefix+"_AUTHORITY_MAX_FRAME_BYTES="+strconv.Itoa(cfg.Authority.MaxFrameBytes),
	)
	return &hostedChild{cmd: c, responsesR: responsesR, responsesW: responsesW, requestsR: requestsR, requestsW: requestsW}, nil
}
