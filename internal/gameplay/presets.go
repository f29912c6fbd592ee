package gameplay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	_ "embed"

	"snowbiome/server/internal/physics"
	"snowbiome/server/internal/world"
)

// ErrUnknownLevel is returned when a preset name is not in the catalog.
var ErrUnknownLevel = errors.New("unknown level")

// LevelCatalog lists the level presets shipped with the server.
type LevelCatalog struct {
	Default string        `json:"default"`
	Levels  []world.Level `json:"levels"`
}

//go:embed levels.json
var levelsPayload []byte

//go:embed tuning.json
var tuningPayload []byte

var (
	catalogOnce sync.Once
	catalogData LevelCatalog
	catalogErr  error

	tuningOnce sync.Once
	tuningData physics.Tuning
	tuningErr  error
)

// Catalog exposes the cached level presets.
func Catalog() LevelCatalog {
	catalogOnce.Do(func() {
		//1.- Parse the embedded presets exactly once.
		catalogErr = json.Unmarshal(levelsPayload, &catalogData)
	})
	//2.- A broken embedded catalog is a build defect, not a runtime condition.
	if catalogErr != nil {
		panic(catalogErr)
	}
	out := catalogData
	out.Levels = append([]world.Level(nil), catalogData.Levels...)
	return out
}

// LevelNames returns the preset names in sorted order.
func LevelNames() []string {
	catalog := Catalog()
	names := make([]string, 0, len(catalog.Levels))
	for _, level := range catalog.Levels {
		names = append(names, level.Name)
	}
	sort.Strings(names)
	return names
}

// Level resolves a preset by name. An empty name selects the catalog default.
func Level(name string) (world.Level, error) {
	catalog := Catalog()
	if name == "" {
		name = catalog.Default
	}
	for _, level := range catalog.Levels {
		if level.Name == name {
			return level, nil
		}
	}
	return world.Level{}, fmt.Errorf("%w: %q", ErrUnknownLevel, name)
}

// LoadLevelFile reads a level description from a JSON file on disk.
func LoadLevelFile(path string) (world.Level, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return world.Level{}, fmt.Errorf("read level file: %w", err)
	}
	var level world.Level
	if err := json.Unmarshal(payload, &level); err != nil {
		return world.Level{}, fmt.Errorf("decode level file %s: %w", path, err)
	}
	if level.Name == "" {
		level.Name = path
	}
	return level, nil
}

// Tuning returns the default integrator constants with the embedded overrides applied.
func Tuning() physics.Tuning {
	tuningOnce.Do(func() {
		//1.- Decode over the built-in defaults so omitted keys keep their values.
		tuningData = physics.DefaultTuning()
		tuningErr = json.Unmarshal(tuningPayload, &tuningData)
	})
	if tuningErr != nil {
		panic(tuningErr)
	}
	return tuningData
}
