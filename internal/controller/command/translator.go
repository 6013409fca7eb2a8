package command

// statelessNames maps canonical operation names to their stateless-channel
// spellings. Operations absent from the table are spelled identically on
// both channels.
var statelessNames = map[string]string{
	"turn_on":      "SwitchOn",
	"turn_off":     "SwitchOff",
	"set_level":    "SetDimValue",
	"set_position": "MoveToPosition",
	"stop":         "StopMovement",
}

// StatelessName returns the stateless-channel spelling of a canonical
// operation name.
func StatelessName(canonical string) string {
	if name, ok := statelessNames[canonical]; ok {
		return name
	}
	return canonical
}
