package links

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/riannom/archetype/pkg/types"
)

func TestNormalizeInterface(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"eth1", "eth1"},
		{"Ethernet1", "eth1"},
		{"ethernet1/1", "eth1/1"},
		{"Et1", "eth1"},
		{"et49/1", "eth49/1"},
		{"GigabitEthernet0/0/0", "ge0/0/0"},
		{"Management0", "mgmt0"},
		{"ma1", "mgmt1"},
		{"  eth2 ", "eth2"},
		// Prefix must be followed by a digit or separator.
		{"ethel", "ethel"},
		{"mapping1", "mapping1"},
		{"swp1", "swp1"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeInterface(tt.in))
		})
	}
}

func TestCanonicalNameIsDirectionless(t *testing.T) {
	a := CanonicalName("r1", "eth1", "r2", "eth1")
	b := CanonicalName("r2", "eth1", "r1", "eth1")
	assert.Equal(t, a, b)
	assert.Equal(t, "r1:eth1-r2:eth1", a)

	// Normalization happens before ordering.
	c := CanonicalName("r2", "Ethernet1", "r1", "Et1")
	assert.Equal(t, a, c)
}

func TestOrdered(t *testing.T) {
	srcNode, srcIf, dstNode, dstIf := Ordered("r2", "eth1", "r1", "eth1")
	assert.Equal(t, "r1", srcNode)
	assert.Equal(t, "eth1", srcIf)
	assert.Equal(t, "r2", dstNode)
	assert.Equal(t, "eth1", dstIf)
}

func TestDeriveVNI(t *testing.T) {
	v1 := DeriveVNI("lab-1", "r1:eth1-r2:eth1")
	v2 := DeriveVNI("lab-1", "r1:eth1-r2:eth1")
	assert.Equal(t, v1, v2, "derivation must be deterministic")

	assert.NotEqual(t, v1, DeriveVNI("lab-2", "r1:eth1-r2:eth1"),
		"different labs must not share a VNI for the same link name")
	assert.NotEqual(t, v1, DeriveVNI("lab-1", "r1:eth2-r2:eth2"))

	for _, lab := range []string{"a", "b", "c", "lab-999"} {
		v := DeriveVNI(lab, "x:eth0-y:eth0")
		assert.GreaterOrEqual(t, v, int64(vniBase))
		assert.Less(t, v, int64(vniBase+vniRange))
	}
}

func TestMatchesEndpoint(t *testing.T) {
	ls := &types.LinkState{
		SourceNodeName:  "r1",
		SourceInterface: "eth1",
		TargetNodeName:  "r2",
		TargetInterface: "Ethernet1",
	}

	side, ok := MatchesEndpoint(ls, "r1", "eth1")
	assert.True(t, ok)
	assert.Equal(t, "source", side)

	// Normalized comparison.
	side, ok = MatchesEndpoint(ls, "r2", "eth1")
	assert.True(t, ok)
	assert.Equal(t, "target", side)

	_, ok = MatchesEndpoint(ls, "r3", "eth1")
	assert.False(t, ok)
	_, ok = MatchesEndpoint(ls, "r1", "eth2")
	assert.False(t, ok)
}

func TestMatchesEndpointTargetWinsOnDoubleMatch(t *testing.T) {
	// Both sides normalize to the same endpoint; the target side is the
	// later-defined one and wins.
	ls := &types.LinkState{
		SourceNodeName:  "r1",
		SourceInterface: "Ethernet1",
		TargetNodeName:  "r1",
		TargetInterface: "eth1",
	}
	side, ok := MatchesEndpoint(ls, "r1", "eth1")
	assert.True(t, ok)
	assert.Equal(t, "target", side)
}

func TestRecomputeOperState(t *testing.T) {
	ls := &types.LinkState{
		SourceCarrier: types.CarrierOn,
		TargetCarrier: types.CarrierOn,
	}

	changed := RecomputeOperState(ls)
	assert.True(t, changed)
	assert.Equal(t, "up", ls.SourceOperState)
	assert.Equal(t, "up", ls.TargetOperState)
	assert.Equal(t, int64(1), ls.OperEpoch)

	// Idempotent when nothing moved.
	assert.False(t, RecomputeOperState(ls))
	assert.Equal(t, int64(1), ls.OperEpoch)

	ls.SourceCarrier = types.CarrierOff
	assert.True(t, RecomputeOperState(ls))
	assert.Equal(t, "down", ls.SourceOperState)
	assert.Equal(t, "carrier off", ls.SourceOperReason)
	assert.Equal(t, "up", ls.TargetOperState)
	assert.Equal(t, int64(2), ls.OperEpoch)
}

func TestRecomputeOperStateCrossHostAttachment(t *testing.T) {
	ls := &types.LinkState{
		IsCrossHost:         true,
		SourceCarrier:       types.CarrierOn,
		TargetCarrier:       types.CarrierOn,
		SourceVXLANAttached: true,
		TargetVXLANAttached: false,
	}
	RecomputeOperState(ls)
	assert.Equal(t, "up", ls.SourceOperState)
	assert.Equal(t, "down", ls.TargetOperState)
	assert.Equal(t, "overlay detached", ls.TargetOperReason)
}

func TestPortName(t *testing.T) {
	assert.Equal(t, "vxlan4097", PortName(4097))
}
