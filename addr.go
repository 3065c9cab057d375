package nimble

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Addr is a device address in wire order: least significant byte first.
type Addr [6]byte

// ParseAddr reads the colon separated form, most significant byte first
// ("94:c2:a0:00:00:01").
func ParseAddr(s string) (Addr, error) {
	var a Addr
	hexStr := strings.Replace(s, ":", "", -1)

	out, err := hex.DecodeString(hexStr)
	if err != nil {
		return a, errors.Wrapf(err, "error decoding address %q", s)
	}
	if len(out) != len(a) {
		return a, errors.Errorf("address %q has %d bytes", s, len(out))
	}
	for i, b := range out {
		a[len(a)-1-i] = b
	}
	return a, nil
}

func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[5], a[4], a[3], a[2], a[1], a[0])
}

// Bytes returns the address in wire order.
func (a Addr) Bytes() []byte {
	return a[:]
}
