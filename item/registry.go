package item

// Capabilities describes how the model manager and singleton manager
// should treat every item of a given content_type, without either package
// needing a type switch over host-defined type strings.
type Capabilities struct {
	// Singleton, when non-nil, is the predicate this content_type must
	// enforce at most one matching item for. Nil means the type has no
	// uniqueness constraint.
	Singleton func(content map[string]any) bool

	// IsolatedContentKeys lists content keys this type wants excluded from
	// ContentEqual comparisons in addition to the package defaults, e.g. a
	// type that stores a locally-only cache field inside content.
	IsolatedContentKeys []string
}

// TypeRegistry maps a content_type string to its Capabilities. Host
// applications register their own content types at startup; types left
// unregistered get the zero Capabilities (no singleton, no extra ignored
// keys).
type TypeRegistry struct {
	entries map[string]Capabilities
}

// NewTypeRegistry returns an empty TypeRegistry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{entries: make(map[string]Capabilities)}
}

// Register associates contentType with caps, replacing any previous
// registration for the same type.
func (r *TypeRegistry) Register(contentType string, caps Capabilities) {
	r.entries[contentType] = caps
}

// Lookup returns the Capabilities registered for contentType, or the zero
// value and false if none were registered.
func (r *TypeRegistry) Lookup(contentType string) (Capabilities, bool) {
	caps, ok := r.entries[contentType]
	return caps, ok
}

// CapabilitiesFor is a convenience that returns the registered
// Capabilities for contentType, or the zero value if unregistered.
func (r *TypeRegistry) CapabilitiesFor(contentType string) Capabilities {
	caps := r.entries[contentType]
	return caps
}
