package commands

import (
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/certifier/authority"
	"github.com/teranos/certifier/claims"
	"github.com/teranos/certifier/dominance"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/policy"
)

// PolicyCmd groups policy file commands
var PolicyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Compile and inspect policy files",
	Long: `A policy is a set of statements signed by the policy key:

  policyKey says <measurement> is-trusted
  policyKey says <platformKey> is-trusted-for-attestation

They are written by hand as policy.toml and compiled into the signed
policy file the authority serves from.`,
}

var policyCompileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Sign the policy manifest into the policy file",
	RunE:  runPolicyCompile,
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List the statements in the policy file",
	RunE:  runPolicyShow,
}

var policyTreeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Show the predicate dominance tree",
	Long: `Show the predicate dominance tree the authority starts from.

Additional edges can be given as root:child pairs to preview how learned
facts extend it:

  certifier policy tree --edge is-trusted-for-authentication:is-trusted-for-channel`,
	RunE: runPolicyTree,
}

var policyEdges []string

func init() {
	policyTreeCmd.Flags().StringSliceVar(&policyEdges, "edge", nil, "Extra dominance edge as root:child (repeatable)")

	PolicyCmd.AddCommand(policyCompileCmd)
	PolicyCmd.AddCommand(policyShowCmd)
	PolicyCmd.AddCommand(policyTreeCmd)
}

func runPolicyCompile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	material, err := authority.LoadMaterial(policyKeyPath(cfg), cfg.PolicyCertPath())
	if err != nil {
		return err
	}
	defer material.PolicyKey.Zeroize()

	m, err := policy.LoadManifest(cfg.ManifestPath())
	if err != nil {
		return err
	}
	statements, err := policy.Compile(m, material.PolicyKey, time.Now())
	if err != nil {
		return err
	}
	if err := policy.Save(cfg.PolicyFilePath(), statements); err != nil {
		return err
	}
	pterm.Success.Printf("Compiled %d statements into %s\n", len(statements), cfg.PolicyFilePath())
	return nil
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	policyKey, err := loadPolicyRoot(cfg.PolicyCertPath())
	if err != nil {
		return err
	}
	statements, err := policy.Load(cfg.PolicyFilePath())
	if err != nil {
		return err
	}
	pool, err := policy.NewPool(policyKey, statements)
	if err != nil {
		return err
	}

	data := pterm.TableData{{"Kind", "Statement", "Not after"}}
	for _, e := range pool.Entries() {
		notAfter := "?"
		if c, err := e.Signed.Claim(); err == nil {
			notAfter = c.NotAfter.Format(claims.TimeLayout)
		}
		data = append(data, []string{string(e.Kind), e.Clause.String(), notAfter})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runPolicyTree(cmd *cobra.Command, args []string) error {
	idx := dominance.NewDefault()
	for _, raw := range policyEdges {
		root, child, ok := strings.Cut(raw, ":")
		if !ok {
			return errors.NewValidationf("edge %q is not root:child", raw)
		}
		if err := idx.Insert(root, child); err != nil {
			return err
		}
	}

	root := pterm.TreeNode{Text: "predicates"}
	for _, n := range idx.Tree() {
		root.Children = append(root.Children, treeNode(n))
	}
	return pterm.DefaultTree.WithRoot(root).Render()
}

func treeNode(n dominance.TreeNode) pterm.TreeNode {
	out := pterm.TreeNode{Text: n.Predicate}
	for _, c := range n.Children {
		out.Children = append(out.Children, treeNode(c))
	}
	return out
}
