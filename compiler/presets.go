package compiler

import "sort"

// Preset is a named starting point for Params.
type Preset struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Params      Params `json:"params"`
}

var presets = map[string]func() Preset{
	"language": func() Preset {
		p := DefaultParams()
		p.Temperature, p.TopP, p.Stream = 0.7, 0.9, true
		return Preset{Name: "Language model", Description: "Dialogue and text generation", Params: p}
	},
	"vision": func() Preset {
		p := DefaultParams()
		p.Temperature, p.TopP, p.MaxOutputTokens, p.Stream = 0.3, 0.8, 2048, true
		return Preset{Name: "Vision model", Description: "Image understanding, favors accuracy", Params: p}
	},
	"reasoning": func() Preset {
		p := DefaultParams()
		p.MaxOutputTokens, p.Stream, p.ReasoningEffort = 8192, true, "medium"
		return Preset{Name: "Reasoning model", Description: "Multi-step problem solving with reasoning enabled", Params: p}
	},
	"precise": func() Preset {
		p := DefaultParams()
		p.Temperature, p.TopP = 0.2, 0.8
		return Preset{Name: "Precise output", Description: "Structured data and JSON output", Params: p}
	},
	"creative": func() Preset {
		p := DefaultParams()
		p.Temperature, p.TopP, p.MaxOutputTokens, p.Stream = 1.2, 0.95, 8192, true
		return Preset{Name: "Creative", Description: "Stories and marketing copy", Params: p}
	},
}

// LookupPreset returns a fresh copy of the named preset.
func LookupPreset(key string) (Preset, bool) {
	fn, ok := presets[key]
	if !ok {
		return Preset{}, false
	}
	return fn(), true
}

// PresetKeys lists the preset keys in sorted order.
func PresetKeys() []string {
	keys := make([]string, 0, len(presets))
	for k := range presets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
