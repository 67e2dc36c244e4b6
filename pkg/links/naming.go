package links

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/riannom/archetype/pkg/types"
)

// vniRange and vniBase bound derived VNIs to [1000, 16_001_000).
const (
	vniBase  = 1000
	vniRange = 16_000_000
)

// interfaceAliases maps vendor interface prefixes to the canonical
// short form agents use. Matching is longest-prefix,
// case-insensitive.
var interfaceAliases = []struct {
	prefix    string
	canonical string
}{
	{"gigabitethernet", "ge"},
	{"management", "mgmt"},
	{"ethernet", "eth"},
	{"et", "eth"},
	{"ma", "mgmt"},
}

// NormalizeInterface maps a vendor interface name to its canonical
// form, so Ethernet1 and eth1 compare equal. Unknown names pass
// through lowercased.
func NormalizeInterface(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, a := range interfaceAliases {
		rest := strings.TrimPrefix(lower, a.prefix)
		if rest == lower || rest == "" {
			continue
		}
		// The remainder must start with a digit or separator so
		// "ethel" does not match "et".
		c := rest[0]
		if (c >= '0' && c <= '9') || c == '/' || c == '-' {
			return a.canonical + rest
		}
	}
	return lower
}

// endpointKey is the "node:iface" form used inside canonical names.
func endpointKey(node, iface string) string {
	return node + ":" + NormalizeInterface(iface)
}

// CanonicalName builds the deterministic link name
// nodeA:ifA-nodeB:ifB with endpoints ordered lexically, so both
// directions of the same link produce one name.
func CanonicalName(nodeA, ifA, nodeB, ifB string) string {
	a, b := endpointKey(nodeA, ifA), endpointKey(nodeB, ifB)
	if a > b {
		a, b = b, a
	}
	return a + "-" + b
}

// Ordered returns the two endpoints in canonical order: the first
// return is the source side of the canonical name.
func Ordered(nodeA, ifA, nodeB, ifB string) (srcNode, srcIf, dstNode, dstIf string) {
	if endpointKey(nodeA, ifA) > endpointKey(nodeB, ifB) {
		return nodeB, ifB, nodeA, ifA
	}
	return nodeA, ifA, nodeB, ifB
}

// DeriveVNI computes the deterministic VNI for a cross-host link from
// the lab ID and canonical link name. Re-running enforcement derives
// the same VNI, keeping tunnel setup idempotent.
func DeriveVNI(labID, canonicalName string) int64 {
	h := fnv.New64a()
	h.Write([]byte(labID + ":" + canonicalName))
	return int64(h.Sum64()%vniRange) + vniBase
}

// MatchesEndpoint reports whether the link's source or target equals
// the (node, interface) pair under normalization, and which side
// matched ("source" or "target"). When both sides would match, the
// target wins: with colliding normalized names the later-defined side
// is the intended one.
func MatchesEndpoint(ls *types.LinkState, nodeName, iface string) (string, bool) {
	norm := NormalizeInterface(iface)
	side, ok := "", false
	if ls.SourceNodeName == nodeName && NormalizeInterface(ls.SourceInterface) == norm {
		side, ok = "source", true
	}
	if ls.TargetNodeName == nodeName && NormalizeInterface(ls.TargetInterface) == norm {
		side, ok = "target", true
	}
	return side, ok
}

// RecomputeOperState derives each side's operational state from its
// carrier and overlay attachment, bumping OperEpoch when anything
// changed. Returns true on change.
func RecomputeOperState(ls *types.LinkState) bool {
	srcState, srcReason := sideOper(ls.SourceCarrier, ls.IsCrossHost, ls.SourceVXLANAttached)
	dstState, dstReason := sideOper(ls.TargetCarrier, ls.IsCrossHost, ls.TargetVXLANAttached)

	if srcState == ls.SourceOperState && srcReason == ls.SourceOperReason &&
		dstState == ls.TargetOperState && dstReason == ls.TargetOperReason {
		return false
	}
	ls.SourceOperState, ls.SourceOperReason = srcState, srcReason
	ls.TargetOperState, ls.TargetOperReason = dstState, dstReason
	ls.OperEpoch++
	return true
}

func sideOper(carrier types.CarrierState, crossHost, attached bool) (state, reason string) {
	if carrier != types.CarrierOn {
		return "down", "carrier off"
	}
	if crossHost && !attached {
		return "down", "overlay detached"
	}
	return "up", ""
}

// PortName is the OVS port name for a tunnel's trunk VTEP.
func PortName(vni int64) string {
	return fmt.Sprintf("vxlan%d", vni)
}
