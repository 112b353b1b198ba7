// Package secret holds sensitive in-memory values (passwords in transit
// between a prompt and the authenticator handing them to su/ssh) with
// best-effort zeroing and a String/GoString pair that never leaks
// plaintext through logging or %v formatting.
package secret

// String holds one sensitive value. Go's garbage collector may copy the
// backing array before Zero is called, so this is defense-in-depth
// against accidental exposure through logging, not a hard memory
// guarantee.
type String struct {
	data []byte
}

// New creates a String holding a copy of s.
func New(s string) *String {
	b := make([]byte, len(s))
	copy(b, s)
	return &String{data: b}
}

// Reveal returns the plaintext value. Callers must only invoke this at
// the point of actual use (writing to an authenticator's stdin, say),
// never for logging or error messages.
func (s *String) Reveal() string {
	if s == nil || s.data == nil {
		return ""
	}
	return string(s.data)
}

// String returns a redacted placeholder so that fmt verbs like %s and %v
// never print the plaintext value, even indirectly through a logger.
func (s *String) String() string {
	return "[REDACTED]"
}

// GoString returns a redacted placeholder for %#v formatting.
func (s *String) GoString() string {
	return "[REDACTED]"
}

// Zero overwrites the backing byte slice with zeros and releases it.
func (s *String) Zero() {
	if s == nil || s.data == nil {
		return
	}
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
}

// IsZeroed reports whether Zero has already been called.
func (s *String) IsZeroed() bool {
	return s == nil || s.data == nil
}
