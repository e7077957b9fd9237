package merge

import "fmt"

// Registry resolves a configured policy name, plus its settings map,
// to a constructed Policy. It mirrors the teacher's crud.Registry
// shape: register once at startup, look up by name from config.
type Registry struct {
	builders map[string]func(settings map[string]string) (Policy, error)
}

// NewRegistry returns a Registry pre-populated with the three built-in
// policies.
func NewRegistry() *Registry {
	r := &Registry{builders: map[string]func(map[string]string) (Policy, error){}}
	r.Register("ignoreConflicts", func(map[string]string) (Policy, error) {
		return IgnoreConflicts{}, nil
	})
	r.Register("trustSource", func(settings map[string]string) (Policy, error) {
		src, ok := settings["source"]
		if !ok || src == "" {
			return nil, fmt.Errorf("trustSource policy requires a %q setting", "source")
		}
		return TrustSource{Trusted: sourceName(src)}, nil
	})
	r.Register("reject", func(settings map[string]string) (Policy, error) {
		raw, ok := settings["paths"]
		if !ok || raw == "" {
			return nil, fmt.Errorf("reject policy requires a %q setting", "paths")
		}
		return Reject{Prefixes: parsePrefixList(raw)}, nil
	})
	return r
}

// Register adds or replaces the builder for name.
func (r *Registry) Register(name string, build func(settings map[string]string) (Policy, error)) {
	r.builders[name] = build
}

// Build constructs the named policy with the given settings. It
// returns an error if name is not registered, satisfying the config
// validation requirement that `policy` must name a registered policy.
func (r *Registry) Build(name string, settings map[string]string) (Policy, error) {
	build, ok := r.builders[name]
	if !ok {
		return nil, fmt.Errorf("unknown merge policy %q", name)
	}
	return build(settings)
}

// Has reports whether name is a registered policy, without building it.
func (r *Registry) Has(name string) bool {
	_, ok := r.builders[name]
	return ok
}
