// ABOUTME: Identity models a logical peer independent of any single connection.
// ABOUTME: Defines peer kinds and the capability set used for authorization.

package identity

// Kind classifies a logical peer.
type Kind string

const (
	// KindUserSession is an end-user client (browser tab, mobile app).
	KindUserSession Kind = "user-session"

	// KindNativeAgent is an autonomous agent speaking the native protocol.
	KindNativeAgent Kind = "native-agent"

	// KindMCPBridge represents an external MCP server reachable through
	// the router.
	KindMCPBridge Kind = "mcp-bridge"

	// KindA2ABridge represents an external A2A server reachable through
	// the router.
	KindA2ABridge Kind = "a2a-bridge"
)

// ValidKinds lists the accepted peer kinds.
var ValidKinds = []Kind{KindUserSession, KindNativeAgent, KindMCPBridge, KindA2ABridge}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, v := range ValidKinds {
		if k == v {
			return true
		}
	}
	return false
}

// Capability gates which message kinds an identity may originate.
type Capability string

const (
	CapChat            Capability = "chat"
	CapToolInvoke      Capability = "tool-invoke"
	CapToolRespond     Capability = "tool-respond"
	CapStatusBroadcast Capability = "status-broadcast"
)

// Identity is an ephemeral projection of the backend's source of truth,
// constructed from validated auth claims. It is never persisted by the
// router.
type Identity struct {
	ID           string
	Kind         Kind
	Capabilities []Capability
}

// Can reports whether the identity holds the given capability.
func (i *Identity) Can(c Capability) bool {
	for _, have := range i.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// DefaultCapabilities returns the capability set granted to a kind when the
// auth claims carry none. Bridges relay tool traffic both ways; user
// sessions originate chat and tool-calls; agents additionally broadcast
// status.
func DefaultCapabilities(k Kind) []Capability {
	switch k {
	case KindUserSession:
		return []Capability{CapChat, CapToolInvoke}
	case KindNativeAgent:
		return []Capability{CapChat, CapToolInvoke, CapToolRespond, CapStatusBroadcast}
	case KindMCPBridge, KindA2ABridge:
		return []Capability{CapToolInvoke, CapToolRespond, CapStatusBroadcast}
	default:
		return nil
	}
}

// ParseCapabilities converts claim strings to capabilities, dropping
// unknown values.
func ParseCapabilities(raw []string) []Capability {
	known := map[Capability]bool{
		CapChat:            true,
		CapToolInvoke:      true,
		CapToolRespond:     true,
		CapStatusBroadcast: true,
	}
	var caps []Capability
	for _, r := range raw {
		if c := Capability(r); known[c] {
			caps = append(caps, c)
		}
	}
	return caps
}
