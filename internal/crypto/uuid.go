package crypto

import "github.com/google/uuid"

// UUIDGenerator creates string UUID values used as item identifiers.
//
// It is stateless and safe to share across goroutines; creating more than
// one instance is inexpensive.
type UUIDGenerator struct{}

// NewUUIDGenerator returns a ready-to-use UUIDGenerator.
func NewUUIDGenerator() *UUIDGenerator {
	return &UUIDGenerator{}
}

// Generate returns a freshly generated UUID string suitable for a new item
// or for UUID alternation. It prefers UUID v7 (time-ordered) and falls
// back to a random v4 UUID if v7 generation fails.
func (g *UUIDGenerator) Generate() string {
	v7, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return v7.String()
}

// Parse validates s as a UUID and returns its canonical string form. The
// item transformer's tamper check compares the envelope's embedded UUID
// string directly and does not call Parse.
func Parse(s string) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
