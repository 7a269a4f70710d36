package stt

import "fmt"

// Preset names a model configuration trading inference cost for accuracy.
// Heavier presets run fewer concurrent workers to bound memory.
type Preset struct {
	Name      string
	ModelFile string
	Workers   int
}

var presetTable = map[string]Preset{
	"tiny":   {Name: "tiny", ModelFile: "ggml-tiny.bin", Workers: 3},
	"base":   {Name: "base", ModelFile: "ggml-base.bin", Workers: 3},
	"small":  {Name: "small", ModelFile: "ggml-small.bin", Workers: 2},
	"medium": {Name: "medium", ModelFile: "ggml-medium.bin", Workers: 1},
	"large":  {Name: "large", ModelFile: "ggml-large-v3.bin", Workers: 1},
}

// LookupPreset resolves a preset by name.
func LookupPreset(name string) (Preset, error) {
	p, ok := presetTable[name]
	if !ok {
		return Preset{}, fmt.Errorf("%w: unknown preset %q", ErrModelLoad, name)
	}
	return p, nil
}
