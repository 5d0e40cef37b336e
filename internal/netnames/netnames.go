// Package netnames derives kernel interface names from lab IDs. Names are
// a pure function of the lab UUID, which gives idempotent cleanup and rules
// out cross-tenant collisions; the wire protocols never accept an interface
// name from a client.
package netnames

import (
	"strings"

	"github.com/google/uuid"
)

const (
	bridgePrefix = "obr"
	tapPrefix    = "otp"

	// First 10 hex chars of the dashless UUID. Prefix(3)+10 = 13, which
	// fits IFNAMSIZ=15 with room for the NUL.
	hexLen = 10
)

func short(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")[:hexLen]
}

// Bridge returns the per-lab bridge name, e.g. "obr3f2c9a01d4".
func Bridge(labID uuid.UUID) string {
	return bridgePrefix + short(labID)
}

// Tap returns the per-lab TAP device name, e.g. "otp3f2c9a01d4".
func Tap(labID uuid.UUID) string {
	return tapPrefix + short(labID)
}
