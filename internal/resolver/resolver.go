package resolver

import (
	"sort"
	"strings"
	"time"

	"emx-llm/internal/config"
)

// Resolver answers model references against an immutable provider tree.
// It is built once per tree and is safe for concurrent use.
type Resolver struct {
	root *config.Node

	// index maps a terminal name to the dotted paths of every node that
	// defines a model under that name, precomputed so short-name lookups
	// avoid a tree walk per request. A node is indexed under its last
	// path segment and, when different, under its model value: a section
	// like [provider.openai] with model = "gpt-4" answers to both
	// "openai" and "gpt-4".
	index map[string][]string
}

// New builds a resolver over the provider root.
func New(root *config.Node) *Resolver {
	r := &Resolver{root: root, index: make(map[string][]string)}
	r.indexNode(root, nil)
	for _, paths := range r.index {
		sort.Strings(paths)
	}
	return r
}

func (r *Resolver) indexNode(n *config.Node, path []string) {
	if n == nil {
		return
	}
	if len(path) > 0 && n.Model != "" {
		dotted := strings.Join(path, ".")
		last := path[len(path)-1]
		r.index[last] = append(r.index[last], dotted)
		if model := strings.ToLower(n.Model); model != last {
			r.index[model] = append(r.index[model], dotted)
		}
	}
	for _, name := range n.ChildNames() {
		r.indexNode(n.Child(name), append(path, name))
	}
}

// Resolve materializes the effective configuration for a reference.
func (r *Resolver) Resolve(raw string) (config.Effective, error) {
	ref, err := Parse(raw)
	if err != nil {
		return config.Effective{}, err
	}

	segments, err := r.expand(ref)
	if err != nil {
		return config.Effective{}, err
	}

	chain, err := r.walk(ref.Raw, segments)
	if err != nil {
		return config.Effective{}, err
	}

	eff, missing := collect(segments, chain)
	if len(missing) > 0 {
		return config.Effective{}, &IncompleteError{Ref: ref.Raw, Missing: missing[0]}
	}
	return eff, nil
}

// ResolveDefault resolves the tree root's default reference, if any.
func (r *Resolver) ResolveDefault() (config.Effective, error) {
	if r.root == nil || r.root.Default == "" {
		return config.Effective{}, ErrNoDefault
	}
	return r.Resolve(r.root.Default)
}

// Probe materializes a provider section for diagnostics. It enforces the
// credential keys but tolerates a missing model, so `emx-llm test` can
// validate a root that only hosts child models.
func (r *Resolver) Probe(name string) (config.Effective, error) {
	ref, err := Parse(name)
	if err != nil {
		return config.Effective{}, err
	}
	chain, err := r.walk(ref.Raw, ref.Segments)
	if err != nil {
		return config.Effective{}, err
	}
	eff, missing := collect(ref.Segments, chain)
	for _, key := range missing {
		if key != "model" {
			return config.Effective{}, &IncompleteError{Ref: ref.Raw, Missing: key}
		}
	}
	return eff, nil
}

// expand turns short and qualified references into full paths.
func (r *Resolver) expand(ref Ref) ([]string, error) {
	switch ref.Form() {
	case FormShort:
		return r.expandShort(ref)
	case FormQualified:
		if r.nodeAt(ref.Segments) != nil {
			return ref.Segments, nil
		}
		// kind.name where the exact child is missing: fall back to a
		// short-name search inside the kind subtree. A leading segment
		// that is not a provider kind gets no fallback.
		if _, err := config.ParseKind(ref.Segments[0]); err != nil || r.nodeAt(ref.Segments[:1]) == nil {
			return nil, &NotFoundError{Ref: ref.Raw}
		}
		prefix := ref.Segments[0] + "."
		var candidates []string
		for _, path := range r.index[ref.Segments[1]] {
			if path == ref.Segments[0] || strings.HasPrefix(path, prefix) {
				candidates = append(candidates, path)
			}
		}
		switch len(candidates) {
		case 0:
			return nil, &NotFoundError{Ref: ref.Raw}
		case 1:
			return strings.Split(candidates[0], "."), nil
		}
		return nil, &AmbiguousError{Name: ref.Raw, Candidates: candidates}
	default:
		return ref.Segments, nil
	}
}

func (r *Resolver) expandShort(ref Ref) ([]string, error) {
	name := ref.Segments[0]
	// A short name that addresses a top-level section carrying its own
	// model (e.g. "openai") resolves directly; the terminal-segment
	// search would find the same node.
	if node := r.nodeAt(ref.Segments); node != nil && node.Model != "" {
		return ref.Segments, nil
	}
	candidates := r.index[name]
	switch len(candidates) {
	case 0:
		return nil, &NotFoundError{Ref: ref.Raw}
	case 1:
		return strings.Split(candidates[0], "."), nil
	}
	return nil, &AmbiguousError{Name: ref.Raw, Candidates: candidates}
}

func (r *Resolver) nodeAt(segments []string) *config.Node {
	node := r.root
	for _, seg := range segments {
		node = node.Child(seg)
		if node == nil {
			return nil
		}
	}
	return node
}

// walk returns the node chain for a full path, shallowest first. The
// provider root itself is not part of the chain: inheritance stops at the
// top-level section, the root only contributes the default reference.
func (r *Resolver) walk(raw string, segments []string) ([]*config.Node, error) {
	chain := make([]*config.Node, 0, len(segments))
	node := r.root
	for _, seg := range segments {
		node = node.Child(seg)
		if node == nil {
			return nil, &NotFoundError{Ref: raw}
		}
		chain = append(chain, node)
	}
	return chain, nil
}

// collect gathers each key nearest-first, climbing from the deepest node
// toward the top-level section, and reports which required keys stayed
// unset. The missing list preserves the order type, api_base, api_key,
// model.
func collect(segments []string, chain []*config.Node) (config.Effective, []string) {
	eff := config.Effective{Ref: strings.Join(segments, ".")}

	var kindStr string
	var timeoutSecs *int
	for i := len(chain) - 1; i >= 0; i-- {
		n := chain[i]
		if kindStr == "" && n.Type != "" {
			kindStr = n.Type
		}
		if eff.APIBase == "" && n.APIBase != "" {
			eff.APIBase = strings.TrimRight(n.APIBase, "/")
		}
		if eff.APIKey == "" && n.APIKey != "" {
			eff.APIKey = n.APIKey
		}
		if eff.Model == "" && n.Model != "" {
			eff.Model = n.Model
		}
		if eff.MaxTokens == nil && n.MaxTokens != nil {
			v := *n.MaxTokens
			eff.MaxTokens = &v
		}
		if timeoutSecs == nil && n.TimeoutSecs != nil {
			v := *n.TimeoutSecs
			timeoutSecs = &v
		}
	}

	// The leading segment acts as a kind hint when no explicit type
	// appears anywhere on the chain.
	if kindStr == "" {
		if _, err := config.ParseKind(segments[0]); err == nil {
			kindStr = segments[0]
		}
	}

	var missing []string
	if kindStr == "" {
		missing = append(missing, "type")
	} else if kind, err := config.ParseKind(kindStr); err != nil {
		missing = append(missing, "type")
	} else {
		eff.Kind = kind
	}
	if eff.APIBase == "" {
		missing = append(missing, "api_base")
	}
	if eff.APIKey == "" {
		missing = append(missing, "api_key")
	}
	if eff.Model == "" {
		missing = append(missing, "model")
	}

	eff.Timeout = config.DefaultTimeout
	if timeoutSecs != nil {
		eff.Timeout = time.Duration(*timeoutSecs) * time.Second
	}
	return eff, missing
}

// Terminals lists the dotted paths of every node that defines a model,
// sorted. These are the IDs served by the gateway's model listing.
func (r *Resolver) Terminals() []string {
	seen := make(map[string]struct{})
	var paths []string
	for _, entries := range r.index {
		for _, path := range entries {
			if _, ok := seen[path]; ok {
				continue
			}
			seen[path] = struct{}{}
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

// Provider describes a section that carries an api_base, i.e. a
// dispatchable upstream grouping.
type Provider struct {
	Path    string
	Type    string
	APIBase string
}

// Providers lists top-level and intermediate sections that carry an
// api_base, sorted by path.
func (r *Resolver) Providers() []Provider {
	var out []Provider
	var visit func(n *config.Node, path []string)
	visit = func(n *config.Node, path []string) {
		if n == nil {
			return
		}
		if len(path) > 0 && n.APIBase != "" {
			out = append(out, Provider{
				Path:    strings.Join(path, "."),
				Type:    n.Type,
				APIBase: n.APIBase,
			})
		}
		for _, name := range n.ChildNames() {
			visit(n.Child(name), append(path, name))
		}
	}
	visit(r.root, nil)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
