package runtime

import (
	"fmt"
	"net"

	"github.com/google/uuid"
)

// AllocateHostPort picks a free loopback port in [min, max]. The probe
// starts at a position derived from the lab id so concurrent provisions
// spread across the range, then walks forward until a bindable port turns
// up. The listener is closed before returning, so the caller races anything
// else binding loopback ports; backends must tolerate a bind failure later.
func AllocateHostPort(min, max int, labID uuid.UUID) (int, error) {
	if min <= 0 || max < min {
		return 0, fmt.Errorf("invalid host port range [%d, %d]", min, max)
	}
	span := max - min + 1
	seed := int(labID[14])<<8 | int(labID[15])

	for i := 0; i < span; i++ {
		port := min + (seed+i)%span
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port in [%d, %d]", min, max)
}
