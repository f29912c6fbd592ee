package gameplay

import (
	"fmt"
	"sync"

	"snowbiome/server/internal/world"
)

// Worlds builds each level's octree on first use and shares it afterwards.
// Octrees are read-only once built, so sessions on the same level share one.
type Worlds struct {
	mu       sync.Mutex
	custom   *world.Level
	built    map[string]*world.Octree
	buildOpt []world.Option
}

// NewWorlds creates a cache over the embedded presets. A custom level, when
// given, becomes the default and is addressable by its own name.
func NewWorlds(custom *world.Level, opts ...world.Option) *Worlds {
	return &Worlds{custom: custom, built: make(map[string]*world.Octree), buildOpt: opts}
}

// Resolve returns the octree and canonical name for a level.
func (w *Worlds) Resolve(name string) (*world.Octree, string, error) {
	level, err := w.lookup(name)
	if err != nil {
		return nil, "", err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if tree, ok := w.built[level.Name]; ok {
		return tree, level.Name, nil
	}
	tree, err := world.Build(level, w.buildOpt...)
	if err != nil {
		return nil, "", fmt.Errorf("build level %q: %w", level.Name, err)
	}
	w.built[level.Name] = tree
	return tree, level.Name, nil
}

// Names lists the levels Resolve accepts.
func (w *Worlds) Names() []string {
	names := LevelNames()
	if w != nil && w.custom != nil {
		names = append([]string{w.custom.Name}, names...)
	}
	return names
}

func (w *Worlds) lookup(name string) (world.Level, error) {
	if w.custom != nil && (name == "" || name == w.custom.Name) {
		return *w.custom, nil
	}
	return Level(name)
}
