// Package netutil holds small helpers for MAC address handling shared by
// the network device frontends.
package netutil

import (
	"crypto/md5"
	"fmt"
	"net"
)

// ParseMAC parses a 6-byte unicast MAC literal. Multicast and broadcast
// addresses are rejected; a guest NIC must not come up with either.
func ParseMAC(s string) (net.HardwareAddr, error) {
	mac, err := net.ParseMAC(s)
	if err != nil {
		return nil, fmt.Errorf("netutil: invalid MAC %q: %w", s, err)
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("netutil: MAC %q is not 6 bytes", s)
	}
	if mac[0]&0x01 != 0 {
		return nil, fmt.Errorf("netutil: MAC %q is multicast or broadcast", s)
	}
	return mac, nil
}

// DeriveMAC deterministically derives a unicast MAC from a device name and
// PCI slot/function, using a fixed OUI with an md5-derived tail. The same
// identity always yields the same address.
func DeriveMAC(name string, slot, function uint8) net.HardwareAddr {
	sum := md5.Sum([]byte(fmt.Sprintf("%s-%d-%d", name, slot, function)))
	return net.HardwareAddr{0x00, 0xa0, 0x98, sum[0], sum[1], sum[2]}
}
