// Package metadata holds the string-keyed headers that travel with every
// message through the relay, plus the transport-neutral Envelope.
package metadata

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

// Clone returns a shallow copy of the metadata map. The result is never nil.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// Get returns the value for key and whether it was present with a non-empty value.
func (m Metadata) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok && v != ""
}

// New constructs a Metadata map from alternating key/value pairs.
// A trailing key without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
