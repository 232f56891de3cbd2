package tasks

import (
	"fmt"
	"strings"
)

// Verbosity controls which non-terminal status events reach the client.
type Verbosity string

const (
	// VerbosityAll forwards every distinct intermediate status.
	VerbosityAll Verbosity = "all"
	// VerbosityFinal suppresses intermediate status events. Artifact, error
	// and final events are still emitted.
	VerbosityFinal Verbosity = "final"
)

func ParseVerbosity(raw string) (Verbosity, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "all", "verbose":
		return VerbosityAll, nil
	case "final", "terminal":
		return VerbosityFinal, nil
	default:
		return "", fmt.Errorf("unknown verbosity %q", raw)
	}
}

type Policy struct {
	Verbosity Verbosity
	// FailOnViolation turns protocol violations (backward transitions,
	// foreign task ids, plain text mid-task) into a terminal failure instead
	// of a diagnostic event.
	FailOnViolation bool
}

func DefaultPolicy() Policy {
	return Policy{Verbosity: VerbosityAll}
}
