package mqtt

import (
	"strings"

	"github.com/nerrad567/meshcore-bridge/internal/infrastructure/config"
)

// Kind names a category of bridge message. Each kind has its own topic
// template per broker.
type Kind string

// Message kinds.
const (
	KindStatus  Kind = "status"
	KindPackets Kind = "packets"
	KindRaw     Kind = "raw"
	KindDecoded Kind = "decoded"
	KindDebug   Kind = "debug"
)

// Template placeholders.
const (
	placeholderIATA      = "{IATA}"
	placeholderPublicKey = "{PUBLIC_KEY}"

	// unknownPublicKey stands in for {PUBLIC_KEY} before the device identity is known.
	unknownPublicKey = "UNKNOWN"
)

// template returns the topic template for kind, or "" if none is set.
func template(t config.TopicsConfig, kind Kind) string {
	switch kind {
	case KindStatus:
		return t.Status
	case KindPackets:
		return t.Packets
	case KindRaw:
		return t.Raw
	case KindDecoded:
		return t.Decoded
	case KindDebug:
		return t.Debug
	default:
		return ""
	}
}

// ResolveTopic returns the topic for kind on one broker.
//
// The broker's own template wins over the bridge default, and the broker's
// IATA wins over the bridge IATA. An empty result means the kind is not
// configured for this broker and must not be published.
//
// Example: "meshcore/{IATA}/{PUBLIC_KEY}/packets" → "meshcore/SEA/106A.../packets"
func ResolveTopic(kind Kind, bridge config.BridgeConfig, broker config.BrokerConfig, publicKey string) string {
	tmpl := template(broker.Topics, kind)
	if tmpl == "" {
		tmpl = template(bridge.Topics, kind)
	}
	if tmpl == "" {
		return ""
	}

	iata := bridge.IATA
	if broker.IATA != "" {
		iata = broker.IATA
	}
	if publicKey == "" {
		publicKey = unknownPublicKey
	}

	return strings.NewReplacer(
		placeholderIATA, iata,
		placeholderPublicKey, publicKey,
	).Replace(tmpl)
}
