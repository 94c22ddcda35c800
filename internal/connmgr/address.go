package connmgr

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseAddress parses a Bluetooth device address in the XX:XX:XX:XX:XX:XX
// form (either case, ':' or '-' separated) into its six bytes, most
// significant first.
func ParseAddress(s string) ([6]byte, error) {
	var out [6]byte
	if len(s) != 17 || (s[2] != ':' && s[2] != '-') {
		return out, fmt.Errorf("connmgr: invalid device address %q", s)
	}
	parts := strings.Split(s, s[2:3])
	if len(parts) != 6 {
		return out, fmt.Errorf("connmgr: invalid device address %q", s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return out, fmt.Errorf("connmgr: invalid device address %q", s)
		}
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return out, fmt.Errorf("connmgr: invalid device address %q", s)
		}
		out[i] = byte(b)
	}
	return out, nil
}

// sameAddress compares two device addresses ignoring case and separator.
func sameAddress(a, b string) bool {
	x, err := ParseAddress(a)
	if err != nil {
		return false
	}
	y, err := ParseAddress(b)
	if err != nil {
		return false
	}
	return x == y
}

// macFromPath extracts the address from a BlueZ device object path.
func macFromPath(p string) string {
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(p, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(p[idx+5:], "_", ":")
}
