package resourcestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// RegistryFileName is the name of the corruption registry next to the database.
const RegistryFileName = "corrupt-stores.yaml"

// CorruptStore is one record of the corruption registry.
type CorruptStore struct {
	Origin string    `yaml:"origin"`
	Name   string    `yaml:"name"`
	Cause  string    `yaml:"cause"`
	Time   time.Time `yaml:"time"`
}

type registryFile struct {
	Corrupt []CorruptStore `yaml:"corrupt"`
}

// Registry persists which stores were found corrupt. It lives outside of the
// database, since a corrupt database cannot be trusted to remember it.
//
// Registry is safe for concurrent use.
type Registry struct {
	path     string
	mutex    *sync.Mutex
	stores   map[registryKey]CorruptStore
	onReport func(CorruptStore)
	log      zerolog.Logger
}

type registryKey struct {
	origin, name string
}

// LoadRegistry reads the registry at path. A missing file is an empty registry.
// If path is empty the registry is kept in memory only.
// onReport, if not nil, is called once for every store newly marked corrupt.
func LoadRegistry(path string, onReport func(CorruptStore), logger *zerolog.Logger) (*Registry, error) {
	r := &Registry{
		path:     path,
		mutex:    &sync.Mutex{},
		stores:   map[registryKey]CorruptStore{},
		onReport: onReport,
		log:      zerolog.Nop(),
	}
	if logger != nil {
		r.log = *logger
	}
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read corruption registry: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse corruption registry %s: %w", path, err)
	}
	for _, cs := range file.Corrupt {
		r.stores[registryKey{cs.Origin, cs.Name}] = cs
	}
	return r, nil
}

func (r *Registry) IsCorrupt(origin, name string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	_, ok := r.stores[registryKey{origin, name}]
	return ok
}

// List returns the stores marked corrupt.
func (r *Registry) List() []CorruptStore {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	list := make([]CorruptStore, 0, len(r.stores))
	for _, cs := range r.stores {
		list = append(list, cs)
	}
	return list
}

// MarkCorrupt records a store as corrupt. Marking an already corrupt store
// does nothing, so the report hook runs once per store. The store stays
// marked and reported for the life of the registry even if the registry
// file cannot be written, in which case the write error is returned.
func (r *Registry) MarkCorrupt(origin, name string, cause error) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	key := registryKey{origin, name}
	if _, ok := r.stores[key]; ok {
		return nil
	}
	cs := CorruptStore{Origin: origin, Name: name, Time: time.Now().UTC()}
	if cause != nil {
		cs.Cause = cause.Error()
	}
	r.stores[key] = cs
	r.log.Error().Str("origin", origin).Str("store", name).Str("cause", cs.Cause).Msg("Marked store as corrupt")

	err := r.save()
	if err != nil {
		r.log.Error().Err(err).Str("origin", origin).Str("store", name).Msg("Could not persist corrupt store")
	}
	if r.onReport != nil {
		go r.onReport(cs)
	}
	return err
}

// Clear forgets a store, e.g. after its database was recreated.
func (r *Registry) Clear(origin, name string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	key := registryKey{origin, name}
	if _, ok := r.stores[key]; !ok {
		return nil
	}
	delete(r.stores, key)
	return r.save()
}

func (r *Registry) save() error {
	if r.path == "" {
		return nil
	}
	var file registryFile
	for _, cs := range r.stores {
		file.Corrupt = append(file.Corrupt, cs)
	}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write corruption registry: %w", err)
	}
	return os.Rename(tmp, r.path)
}
