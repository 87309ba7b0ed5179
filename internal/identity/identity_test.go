// ABOUTME: Tests for peer kinds and capability sets.

package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindValid(t *testing.T) {
	for _, k := range ValidKinds {
		assert.True(t, k.Valid(), "kind %s", k)
	}
	assert.False(t, Kind("admin").Valid())
	assert.False(t, Kind("").Valid())
}

func TestDefaultCapabilities(t *testing.T) {
	tests := []struct {
		kind Kind
		can  []Capability
		cant []Capability
	}{
		{KindUserSession, []Capability{CapChat, CapToolInvoke}, []Capability{CapToolRespond, CapStatusBroadcast}},
		{KindNativeAgent, []Capability{CapChat, CapToolInvoke, CapToolRespond, CapStatusBroadcast}, nil},
		{KindMCPBridge, []Capability{CapToolInvoke, CapToolRespond, CapStatusBroadcast}, []Capability{CapChat}},
		{KindA2ABridge, []Capability{CapToolInvoke, CapToolRespond, CapStatusBroadcast}, []Capability{CapChat}},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			ident := &Identity{ID: "x", Kind: tt.kind, Capabilities: DefaultCapabilities(tt.kind)}
			for _, c := range tt.can {
				assert.True(t, ident.Can(c), "should hold %s", c)
			}
			for _, c := range tt.cant {
				assert.False(t, ident.Can(c), "should not hold %s", c)
			}
		})
	}
}

func TestDefaultCapabilitiesUnknownKind(t *testing.T) {
	assert.Nil(t, DefaultCapabilities(Kind("mystery")))
}

func TestParseCapabilities(t *testing.T) {
	caps := ParseCapabilities([]string{"chat", "sudo", "tool-respond", ""})
	assert.Equal(t, []Capability{CapChat, CapToolRespond}, caps)

	assert.Nil(t, ParseCapabilities(nil))
}
