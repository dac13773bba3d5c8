package symbols

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// GUID is a 16-byte identifier in its on-disk Windows layout: the first
// three groups are little-endian, the last eight bytes are stored as-is.
type GUID [16]byte

// UUID converts the on-disk layout to an RFC 4122 byte order UUID.
func (g GUID) UUID() uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = g[3], g[2], g[1], g[0]
	u[4], u[5] = g[5], g[4]
	u[6], u[7] = g[7], g[6]
	copy(u[8:], g[8:])
	return u
}

// N formats the GUID as 32 lowercase hex digits without separators.
func (g GUID) N() string {
	u := g.UUID()
	return hex.EncodeToString(u[:])
}

// String formats the GUID in the usual dashed form.
func (g GUID) String() string {
	return g.UUID().String()
}

// IsZero reports whether the GUID is all zeros.
func (g GUID) IsZero() bool {
	return g == GUID{}
}

// GUIDFromUUID converts an RFC 4122 UUID back to the on-disk layout.
func GUIDFromUUID(u uuid.UUID) GUID {
	var g GUID
	g[0], g[1], g[2], g[3] = u[3], u[2], u[1], u[0]
	g[4], g[5] = u[5], u[4]
	g[6], g[7] = u[7], u[6]
	copy(g[8:], u[8:])
	return g
}
