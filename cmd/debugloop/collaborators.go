// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/AleutianAI/debugloop/services/debugloop/collab"
	"github.com/AleutianAI/debugloop/services/debugloop/config"
	"github.com/AleutianAI/debugloop/services/debugloop/vcs"
)

// buildCollaborators resolves one implementation per capability.
//
// A configured plugin command always wins. Generate, analyze, and research
// fall back to the LLM when it is enabled; instrument and fix edit the
// repository and are only available as plugins.
func buildCollaborators(cfg *config.Config, root string, v vcs.VCS, logger *slog.Logger) (collab.Set, error) {
	plugin := collab.NewPlugin(map[collab.Capability]string{
		collab.CapGenerate:   cfg.Plugins.Generate,
		collab.CapInstrument: cfg.Plugins.Instrument,
		collab.CapAnalyze:    cfg.Plugins.Analyze,
		collab.CapResearch:   cfg.Plugins.Research,
		collab.CapFix:        cfg.Plugins.Fix,
	}, root, cfg.Plugins.Timeout.D(), v, logger)

	var llm *collab.LLM
	if cfg.LLM.Enabled {
		var key []byte
		if cfg.LLM.APIKeyEnv != "" {
			key = []byte(os.Getenv(cfg.LLM.APIKeyEnv))
		}
		llm = collab.NewLLM(collab.LLMConfig{
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			APIKey:      key,
			Timeout:     cfg.LLM.Timeout.D(),
			Temperature: cfg.LLM.Temperature,
		}, logger)
	}

	var set collab.Set
	switch {
	case plugin.Has(collab.CapGenerate):
		set.Generator = plugin
	case llm != nil:
		set.Generator = llm
	}
	if plugin.Has(collab.CapInstrument) {
		set.Instrumenter = plugin
	}
	switch {
	case plugin.Has(collab.CapAnalyze):
		set.Analyzer = plugin
	case llm != nil:
		set.Analyzer = llm
	}
	switch {
	case plugin.Has(collab.CapResearch):
		set.Researcher = plugin
	case llm != nil:
		set.Researcher = llm
	}
	if plugin.Has(collab.CapFix) {
		set.Fixer = plugin
	}

	if err := set.Validate(); err != nil {
		return collab.Set{}, fmt.Errorf("%w\nconfigure plugin commands in %s", err, config.Path(root))
	}
	return set, nil
}
