// Package dominance maintains the partial order between predicate names.
//
// An edge root -> child records that holding root implies holding child:
// "is-trusted" dominates "is-trusted-for-attestation". A predicate may have
// several parents; the graph is kept acyclic.
package dominance

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/vse"
)

// Edge is one dominance fact.
type Edge struct {
	Root  string `json:"root" toml:"root" yaml:"root"`
	Child string `json:"child" toml:"child" yaml:"child"`
}

func (e Edge) String() string {
	return e.Root + " -> " + e.Child
}

// Index is safe for concurrent use; queries take a read lock.
type Index struct {
	mu       sync.RWMutex
	children map[string][]string
	parents  map[string][]string
	order    []string // predicates in first-seen order
}

// New returns an empty index.
func New() *Index {
	return &Index{
		children: make(map[string][]string),
		parents:  make(map[string][]string),
	}
}

// DefaultEdges are the facts every index starts from.
func DefaultEdges() []Edge {
	return []Edge{
		{Root: vse.VerbIsTrusted, Child: vse.VerbIsTrustedForAttestation},
		{Root: vse.VerbIsTrusted, Child: vse.VerbIsTrustedForAuthentication},
	}
}

// NewDefault returns an index seeded with DefaultEdges.
func NewDefault() *Index {
	idx := New()
	for _, e := range DefaultEdges() {
		// Cannot cycle on an empty index
		_ = idx.Insert(e.Root, e.Child)
	}
	return idx
}

// Insert records that root dominates child. Self edges and edges that would
// close a cycle fail with errors.ErrCycle and leave the index unchanged.
// Inserting an existing edge is a no-op.
func (x *Index) Insert(root, child string) error {
	if root == "" || child == "" {
		return errors.NewValidationf("predicate names must be non-empty")
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	return x.insertLocked(root, child)
}

func (x *Index) insertLocked(root, child string) error {
	if root == child {
		return errors.NewCyclef("predicate %q cannot dominate itself", root)
	}
	if x.reachesLocked(child, root) {
		return errors.NewCyclef("edge %s -> %s would create a cycle", root, child)
	}
	for _, c := range x.children[root] {
		if c == child {
			return nil
		}
	}

	x.remember(root)
	x.remember(child)
	x.children[root] = append(x.children[root], child)
	x.parents[child] = append(x.parents[child], root)
	return nil
}

func (x *Index) remember(p string) {
	if _, ok := x.children[p]; ok {
		return
	}
	if _, ok := x.parents[p]; ok {
		return
	}
	x.order = append(x.order, p)
}

// Dominates reports whether ancestor equals descendant or reaches it
// through one or more edges.
func (x *Index) Dominates(ancestor, descendant string) bool {
	if ancestor == descendant {
		return true
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.reachesLocked(ancestor, descendant)
}

func (x *Index) reachesLocked(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for _, c := range x.children[p] {
			if c == to {
				return true
			}
			if !seen[c] {
				seen[c] = true
				queue = append(queue, c)
			}
		}
	}
	return false
}

// Merge inserts all edges or none. The first failing edge aborts the merge
// and its error is returned.
func (x *Index) Merge(edges []Edge) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	trial := x.cloneLocked()
	for _, e := range edges {
		if e.Root == "" || e.Child == "" {
			return errors.NewValidationf("predicate names must be non-empty")
		}
		if err := trial.insertLocked(e.Root, e.Child); err != nil {
			return errors.Wrapf(err, "merge edge %s", e)
		}
	}
	x.children, x.parents, x.order = trial.children, trial.parents, trial.order
	return nil
}

// Contains reports whether p appears in any edge.
func (x *Index) Contains(p string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, c := x.children[p]
	_, q := x.parents[p]
	return c || q
}

// Edges returns every edge in insertion order of their roots.
func (x *Index) Edges() []Edge {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var edges []Edge
	for _, p := range x.order {
		for _, c := range x.children[p] {
			edges = append(edges, Edge{Root: p, Child: c})
		}
	}
	return edges
}

// Predicates returns every known predicate in first-seen order.
func (x *Index) Predicates() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]string(nil), x.order...)
}

// Clone returns an independent copy.
func (x *Index) Clone() *Index {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.cloneLocked()
}

func (x *Index) cloneLocked() *Index {
	c := New()
	for k, v := range x.children {
		c.children[k] = append([]string(nil), v...)
	}
	for k, v := range x.parents {
		c.parents[k] = append([]string(nil), v...)
	}
	c.order = append([]string(nil), x.order...)
	return c
}

// TreeNode is a predicate with its dominated children, for display.
type TreeNode struct {
	Predicate string
	Children  []TreeNode
}

// Tree returns the forest rooted at predicates without parents. A predicate
// with several parents appears under each of them.
func (x *Index) Tree() []TreeNode {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var roots []string
	for _, p := range x.order {
		if len(x.parents[p]) == 0 {
			roots = append(roots, p)
		}
	}
	sort.Strings(roots)

	nodes := make([]TreeNode, 0, len(roots))
	for _, r := range roots {
		nodes = append(nodes, x.subtreeLocked(r))
	}
	return nodes
}

func (x *Index) subtreeLocked(p string) TreeNode {
	n := TreeNode{Predicate: p}
	for _, c := range x.children[p] {
		n.Children = append(n.Children, x.subtreeLocked(c))
	}
	return n
}

// PrintTree writes an indented rendering of Tree to w.
func (x *Index) PrintTree(w io.Writer) error {
	var sb strings.Builder
	for _, n := range x.Tree() {
		writeNode(&sb, n, 0)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func writeNode(sb *strings.Builder, n TreeNode, depth int) {
	fmt.Fprintf(sb, "%s%s\n", strings.Repeat("  ", depth), n.Predicate)
	for _, c := range n.Children {
		writeNode(sb, c, depth+1)
	}
}
