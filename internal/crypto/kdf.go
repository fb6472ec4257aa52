package crypto

import (
	"crypto/sha512"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultKDFIterations is the PBKDF2-SHA512 iteration count used when an
// account's auth_params do not specify one. Chosen well above the legacy
// 3,000-round floor the format has to remain compatible with, without
// being so high it stalls interactive login on modest hardware.
const DefaultKDFIterations = 110_000

// DerivedKeyLen is the byte length of each of mk and ak. The PBKDF2 call
// below derives both halves from a single 64-byte output, the same
// "halve a derived key" pattern used for per-item keys.
const DerivedKeyLen = 32

// DeriveAccountKeys derives the account master encryption key (mk) and
// master authentication key (ak) from the user's password and a stored
// salt, using PBKDF2-SHA512. The first half of the derived material
// becomes mk, the second half ak.
func DeriveAccountKeys(password string, salt []byte, iterations int) (mk, ak []byte) {
	if iterations <= 0 {
		iterations = DefaultKDFIterations
	}
	derived := pbkdf2.Key([]byte(password), salt, iterations, DerivedKeyLen*2, sha512.New)
	mk = append([]byte(nil), derived[:DerivedKeyLen]...)
	ak = append([]byte(nil), derived[DerivedKeyLen:]...)
	return mk, ak
}
