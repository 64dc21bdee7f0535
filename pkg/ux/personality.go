// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// PersonalityLevel selects how debugloop renders session progress.
//
// The level is chosen once per process, in order: the --output flag, then
// DEBUGLOOP_OUTPUT, then whether stdout is a terminal. Piped or redirected
// output always falls back to machine so scripts that parse `debugloop
// status` or wait on the exit code never see escape sequences.
type PersonalityLevel string

const (
	// PersonalityStandard renders boxes, tables and colors for a developer
	// watching a session at the terminal. Prompts are allowed.
	PersonalityStandard PersonalityLevel = "standard"

	// PersonalityMinimal keeps the status icons but drops colors and boxes.
	// Suited to CI logs that still want a readable transcript.
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine prints prefixed lines (OK:, WARN:, ERROR:) and tab
	// separated fields. Warnings and errors go to stderr. Never prompts.
	PersonalityMachine PersonalityLevel = "machine"
)

// OutputEnv overrides terminal detection.
const OutputEnv = "DEBUGLOOP_OUTPUT"

// Prompts reports whether the level permits interactive questions, such as
// asking for the success count of a flaky issue.
func (l PersonalityLevel) Prompts() bool {
	return l != PersonalityMachine
}

// Personality is the process-wide output configuration.
type Personality struct {
	Level PersonalityLevel
}

// DefaultPersonality is used until InitPersonality or a flag picks a level.
func DefaultPersonality() Personality {
	return Personality{Level: PersonalityStandard}
}

var personality = struct {
	sync.RWMutex
	current Personality
}{current: DefaultPersonality()}

// GetPersonality returns the active configuration.
func GetPersonality() Personality {
	personality.RLock()
	defer personality.RUnlock()
	return personality.current
}

// SetPersonality replaces the active configuration. Tests use it to restore
// the previous value.
func SetPersonality(p Personality) {
	personality.Lock()
	defer personality.Unlock()
	personality.current = p
}

// SetPersonalityLevel changes only the level.
func SetPersonalityLevel(level PersonalityLevel) {
	personality.Lock()
	defer personality.Unlock()
	personality.current.Level = level
}

// ParsePersonalityLevel maps a --output or DEBUGLOOP_OUTPUT value to a
// level. Unknown values select standard.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return PersonalityMinimal
	case "machine", "quiet", "q", "plain":
		return PersonalityMachine
	default:
		return PersonalityStandard
	}
}

// InitPersonality picks the level when --output was not given.
func InitPersonality() {
	SetPersonalityLevel(detectLevel(os.Getenv(OutputEnv), isTerminal(os.Stdout)))
}

func detectLevel(env string, tty bool) PersonalityLevel {
	switch {
	case env != "":
		return ParsePersonalityLevel(env)
	case !tty:
		return PersonalityMachine
	default:
		return PersonalityStandard
	}
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// IsInteractive reports whether a prompt can be answered: the level allows
// prompts and both stdin and stdout are terminals. The start command falls
// back to a --success-count hint when this is false.
func IsInteractive() bool {
	return GetPersonality().Level.Prompts() && isTerminal(os.Stdin) && isTerminal(os.Stdout)
}
