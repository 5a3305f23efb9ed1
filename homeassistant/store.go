package homeassistant

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/victorjacobs/go-duco/bridge"
	"gopkg.in/yaml.v3"
)

// Store persists accessories in a yaml file so identities, locations and the
// last on/off state survive restarts. An empty path keeps everything in memory.
type Store struct {
	mutex       sync.Mutex
	path        string
	accessories map[bridge.NodeIdentity]bridge.Accessory
}

func OpenStore(path string) (*Store, error) {
	s := &Store{
		path:        path,
		accessories: map[bridge.NodeIdentity]bridge.Accessory{},
	}

	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	} else if err != nil {
		return nil, err
	}

	var file storeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %v: %w", path, err)
	}

	for _, record := range file.Accessories {
		if record.ID == "" {
			continue
		}
		s.accessories[bridge.NodeIdentity(record.ID)] = bridge.Accessory{
			ID:     bridge.NodeIdentity(record.ID),
			Serial: record.Serial,
			Model:  record.Model,
			Name:   record.Name,
			Host:   record.Host,
			Node:   record.Node,
			On:     record.On,
		}
	}

	return s, nil
}

func (s *Store) Get(id bridge.NodeIdentity) (bridge.Accessory, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	acc, ok := s.accessories[id]
	return acc, ok
}

func (s *Store) All() []bridge.Accessory {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	all := make([]bridge.Accessory, 0, len(s.accessories))
	for _, acc := range s.accessories {
		all = append(all, acc)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

func (s *Store) Put(acc bridge.Accessory) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.accessories[acc.ID] = acc
	return s.writeLocked()
}

// SetOn updates the persisted on/off state of a known accessory.
func (s *Store) SetOn(id bridge.NodeIdentity, on bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	acc, ok := s.accessories[id]
	if !ok {
		return nil
	}
	if acc.On != nil && *acc.On == on {
		return nil
	}

	acc.On = &on
	s.accessories[id] = acc
	return s.writeLocked()
}

func (s *Store) writeLocked() error {
	if s.path == "" {
		return nil
	}

	file := storeFile{Accessories: make([]accessoryRecord, 0, len(s.accessories))}
	for _, acc := range s.accessories {
		file.Accessories = append(file.Accessories, accessoryRecord{
			ID:     string(acc.ID),
			Serial: acc.Serial,
			Model:  acc.Model,
			Name:   acc.Name,
			Host:   acc.Host,
			Node:   acc.Node,
			On:     acc.On,
		})
	}
	sort.Slice(file.Accessories, func(i, j int) bool { return file.Accessories[i].ID < file.Accessories[j].ID })

	data, err := yaml.Marshal(file)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}

	return os.Rename(tmp, s.path)
}
