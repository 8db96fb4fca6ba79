package formats

import (
	"fmt"
	"strings"
)

// Format identifies a tape or disc family
type Format int

const (
	VHS Format = iota
	VHSHQ
	SVHS
	Betamax
	Video8
	Hi8
	UMatic
	UMaticHi
	Laserdisc
)

var formatNames = map[Format]string{
	VHS:       "vhs",
	VHSHQ:     "vhshq",
	SVHS:      "svhs",
	Betamax:   "betamax",
	Video8:    "video8",
	Hi8:       "hi8",
	UMatic:    "umatic",
	UMaticHi:  "umatic_hi",
	Laserdisc: "ld",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// ParseFormat accepts the names printed by String (case-insensitive)
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, name := range formatNames {
		if name == s {
			return f, nil
		}
	}
	switch s {
	case "laserdisc":
		return Laserdisc, nil
	case "8mm":
		return Video8, nil
	}
	return 0, &ConfigurationError{Field: "format", Value: s, Reason: "unknown tape/disc format"}
}

// ColorUnder reports whether chroma is recorded down-converted below the luma FM band
func (f Format) ColorUnder() bool {
	return f != Laserdisc
}

// System is the broadcast standard the recording follows
type System int

const (
	NTSC System = iota
	PAL
)

func (s System) String() string {
	switch s {
	case NTSC:
		return "NTSC"
	case PAL:
		return "PAL"
	}
	return fmt.Sprintf("System(%d)", int(s))
}

// ParseSystem accepts "ntsc" or "pal" in any case
func ParseSystem(s string) (System, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ntsc":
		return NTSC, nil
	case "pal":
		return PAL, nil
	}
	return 0, &ConfigurationError{Field: "system", Value: s, Reason: "must be ntsc or pal"}
}

// ConfigurationError rejects a parameter set before any block is processed
type ConfigurationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s (%v): %s", e.Field, e.Value, e.Reason)
}
