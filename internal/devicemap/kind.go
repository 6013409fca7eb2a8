package devicemap

// Kind identifies a device kind. The set is closed: every entity type the
// controller exposes maps to exactly one variant, and unrecognised types
// map to KindUnknown rather than to a "closest" match.
type Kind int

// Device kind variants.
const (
	// KindUnknown is the zero value for unrecognised entity types.
	KindUnknown Kind = iota

	// KindLight is a dimmable or switchable luminaire.
	KindLight

	// KindCover is a motorised shutter or blind with position and tilt.
	KindCover

	// KindRelay is a physical relay switch. Relay hardware does not react
	// to push-channel commands even though the controller acknowledges
	// them, so relays are always driven over the stateless channel.
	KindRelay

	// KindSensor is a read-only measurement device.
	KindSensor

	// KindMeter is an energy meter reporting per-phase power.
	KindMeter
)

// kindNames maps entity type strings to kinds. Lookup is exact-match only.
var kindNames = map[string]Kind{
	"light":  KindLight,
	"cover":  KindCover,
	"relay":  KindRelay,
	"sensor": KindSensor,
	"meter":  KindMeter,
}

// ParseKind returns the kind for an entity type string.
// Unrecognised types return KindUnknown.
func ParseKind(entityType string) Kind {
	if k, ok := kindNames[entityType]; ok {
		return k
	}
	return KindUnknown
}

// String returns the entity type string for the kind.
func (k Kind) String() string {
	switch k {
	case KindLight:
		return "light"
	case KindCover:
		return "cover"
	case KindRelay:
		return "relay"
	case KindSensor:
		return "sensor"
	case KindMeter:
		return "meter"
	default:
		return "unknown"
	}
}
