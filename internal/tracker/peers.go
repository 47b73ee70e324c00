package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const strideV4 = 6 // 4 bytes IP + 2 bytes port

// decodePeers accepts both forms a tracker may reply with: the compact
// binary string requested via compact=1, and the older list-of-dicts form
// some trackers still send regardless.
func decodePeers(v any) ([]netip.AddrPort, error) {
	switch t := v.(type) {
	case string:
		return decodeCompactPeers([]byte(t))
	case []any:
		return decodeDictPeers(t)
	default:
		return nil, fmt.Errorf("invalid peers type %T", v)
	}
}

func decodeCompactPeers(data []byte) ([]netip.AddrPort, error) {
	if len(data)%strideV4 != 0 {
		return nil, fmt.Errorf("malformed or invalid compact peers")
	}

	n := len(data) / strideV4
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+strideV4 {
		chunk := data[off : off+strideV4]
		a := netip.AddrFrom4([4]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
		p := binary.BigEndian.Uint16(chunk[4:6])
		out[i] = netip.AddrPortFrom(a, p)
	}

	return out, nil
}

func decodeDictPeers(list []any) ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, 0, len(list))

	for i, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("peer[%d] not dict", i)
		}

		ipStr, ok := m["ip"].(string)
		if !ok {
			return nil, fmt.Errorf("peer[%d]: unsupported ip type %T", i, m["ip"])
		}
		addr, err := netip.ParseAddr(ipStr)
		if err != nil {
			return nil, fmt.Errorf("peer[%d]: bad ip %q: %w", i, ipStr, err)
		}

		p64, ok := m["port"].(int64)
		if !ok || p64 < 1 || p64 > 65535 {
			return nil, fmt.Errorf("peer[%d]: invalid port %v", i, m["port"])
		}

		peers = append(peers, netip.AddrPortFrom(addr, uint16(p64)))
	}

	return peers, nil
}
