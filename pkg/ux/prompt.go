// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
)

// ErrPromptAborted indicates the user dismissed a prompt.
var ErrPromptAborted = errors.New("prompt aborted")

// ParseBoundedInt parses s as an integer within [lo, hi].
func ParseBoundedInt(s string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%q is not a whole number", s)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("must be between %d and %d", lo, hi)
	}
	return n, nil
}

// AskInt prompts for an integer within [lo, hi], pre-filled with def.
func AskInt(title, description string, def, lo, hi int) (int, error) {
	value := strconv.Itoa(def)
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(title).
				Description(description).
				Value(&value).
				Validate(func(s string) error {
					_, err := ParseBoundedInt(s, lo, hi)
					return err
				}),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return 0, ErrPromptAborted
		}
		return 0, fmt.Errorf("prompt: %w", err)
	}
	return ParseBoundedInt(value, lo, hi)
}

// Confirm asks a yes/no question.
func Confirm(title, description, affirmative, negative string) (bool, error) {
	var ok bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Affirmative(affirmative).
				Negative(negative).
				Value(&ok),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, ErrPromptAborted
		}
		return false, fmt.Errorf("prompt: %w", err)
	}
	return ok, nil
}
