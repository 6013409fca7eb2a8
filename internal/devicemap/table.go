package devicemap

// Aggregate describes a canonical field computed from several
// independently-reported sub-component fields. Sub-components that have
// never been reported count as zero; once reported, the latest value wins.
type Aggregate struct {
	// Target is the canonical field the aggregate is written to.
	Target string

	// Sources are the canonical sub-component fields summed into Target.
	Sources []string
}

// PushOperation describes the push-channel form of a canonical operation
// for one device kind.
type PushOperation struct {
	// Name is the operation name sent over the push channel.
	Name string

	// Field is the canonical field the operation sets. Empty for
	// operations that carry no value (switch, stop).
	Field string

	// ArgFields is the ordered canonical-field argument list after the
	// instance id. Fields other than Field are companions: their
	// last-known values must be cached before the operation can be sent.
	// The combined shutter move is the motivating case: the controller
	// wants position AND tilt in one call, so commanding either axis
	// requires the last-known other. Empty means the command's own
	// arguments are passed through unchanged.
	ArgFields []string
}

// Companions returns the canonical fields whose cached values the
// operation needs beyond the commanded field itself.
func (p PushOperation) Companions() []string {
	var out []string
	for _, f := range p.ArgFields {
		if f != p.Field {
			out = append(out, f)
		}
	}
	return out
}

// kindMap holds the field and operation mappings for one device kind.
type kindMap struct {
	// fields translates wire property spellings to canonical field names.
	fields map[string]string

	// pushOps maps canonical operation names to their push-channel form.
	pushOps map[string]PushOperation

	// aggregates are the derived fields for this kind.
	aggregates []Aggregate
}

// Table is the per-kind field-mapping table.
//
// All lookups key on the exact Kind variant; the table never inspects
// entity type strings itself.
type Table struct {
	kinds map[Kind]kindMap
}

// Default returns the standard mapping table for the controller firmware
// this gateway targets.
func Default() *Table {
	return &Table{
		kinds: map[Kind]kindMap{
			KindLight: {
				fields: map[string]string{
					"OnOff": "power",
					"Value": "brightness",
				},
				pushOps: map[string]PushOperation{
					"turn_on":   {Name: "SwitchOn"},
					"turn_off":  {Name: "SwitchOff"},
					"set_level": {Name: "SetDimValue", Field: "brightness"},
				},
			},
			KindCover: {
				fields: map[string]string{
					"Position": "position",
					"Slats":    "tilt",
					"Moving":   "moving",
				},
				// The controller exposes one combined move operation over
				// the push channel. Either axis can only be commanded when
				// the last-known value of the other axis is cached.
				pushOps: map[string]PushOperation{
					"set_position": {Name: "SetShutterPosAndTilt", Field: "position", ArgFields: []string{"position", "tilt"}},
					"set_tilt":     {Name: "SetShutterPosAndTilt", Field: "tilt", ArgFields: []string{"position", "tilt"}},
					"stop":         {Name: "StopMovement"},
				},
			},
			KindRelay: {
				fields: map[string]string{
					"OnOff": "power",
				},
				// No push operations: relay hardware ignores push-channel
				// commands even though the controller acknowledges them.
				pushOps: map[string]PushOperation{},
			},
			KindSensor: {
				fields: map[string]string{
					"Temperature": "temperature",
					"Humidity":    "humidity",
					"Brightness":  "illuminance",
				},
				pushOps: map[string]PushOperation{},
			},
			KindMeter: {
				fields: map[string]string{
					"PowerA": "phase_a",
					"PowerB": "phase_b",
					"PowerC": "phase_c",
					"Energy": "energy_total",
				},
				pushOps: map[string]PushOperation{},
				aggregates: []Aggregate{
					{Target: "power_total", Sources: []string{"phase_a", "phase_b", "phase_c"}},
				},
			},
		},
	}
}

// CanonicalField translates a wire property spelling to its canonical
// field name for the given kind. Returns false for unknown properties.
func (t *Table) CanonicalField(kind Kind, wireName string) (string, bool) {
	m, ok := t.kinds[kind]
	if !ok {
		return "", false
	}
	name, ok := m.fields[wireName]
	return name, ok
}

// Fields returns the canonical fields that exist for the kind.
func (t *Table) Fields(kind Kind) []string {
	m, ok := t.kinds[kind]
	if !ok {
		return nil
	}
	fields := make([]string, 0, len(m.fields))
	for _, canonical := range m.fields {
		fields = append(fields, canonical)
	}
	return fields
}

// WireProperties returns the wire property spellings for the kind. These
// are the property names used in subscription registrations.
func (t *Table) WireProperties(kind Kind) []string {
	m, ok := t.kinds[kind]
	if !ok {
		return nil
	}
	props := make([]string, 0, len(m.fields))
	for wire := range m.fields {
		props = append(props, wire)
	}
	return props
}

// PushOperation returns the push-channel mapping for a canonical operation
// on the given kind. Returns false when no push mapping exists, in which
// case the command must use the stateless channel.
func (t *Table) PushOperation(kind Kind, canonicalOp string) (PushOperation, bool) {
	m, ok := t.kinds[kind]
	if !ok {
		return PushOperation{}, false
	}
	op, ok := m.pushOps[canonicalOp]
	return op, ok
}

// Aggregates returns the derived-field specifications for the kind.
func (t *Table) Aggregates(kind Kind) []Aggregate {
	m, ok := t.kinds[kind]
	if !ok {
		return nil
	}
	return m.aggregates
}
