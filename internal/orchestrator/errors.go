package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoActorsEnabled = errors.New("no actors enabled")
	ErrInvalidCap      = errors.New("custom max results out of range")
	ErrUnknownActor    = errors.New("unknown actor")
	ErrDuplicateActor  = errors.New("actor configured twice")
)

// ConfigError rejects a load before any platform call is made.
type ConfigError struct {
	ActorID string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.ActorID == "" {
		return fmt.Sprintf("invalid load config: %v", e.Err)
	}
	return fmt.Sprintf("invalid load config for actor %s: %v", e.ActorID, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// PlatformStartError is a single actor that could not be started. Other actors in the same load are unaffected.
type PlatformStartError struct {
	ActorID   string
	ActorName string
	Err       error
}

func (e *PlatformStartError) Error() string {
	return fmt.Sprintf("start %s (%s): %v", e.ActorName, e.ActorID, e.Err)
}

func (e *PlatformStartError) Unwrap() error { return e.Err }

// PollError is a transient refresh failure. The listed runs were left unchanged.
type PollError struct {
	RunIDs []string
	Usage  bool
	Err    error
}

func (e *PollError) Error() string {
	var parts []string
	if len(e.RunIDs) > 0 {
		parts = append(parts, "status of runs "+strings.Join(e.RunIDs, ", "))
	}
	if e.Usage {
		parts = append(parts, "usage")
	}
	return fmt.Sprintf("poll %s: %v", strings.Join(parts, " and "), e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }
