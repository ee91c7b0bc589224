// Package entitystore implements the in-memory + on-disk entity
// registry (C3): devices, child-devices and services, with parent-first
// registration ordering and auto-registration from telemetry topics.
//
// Grounded on the teacher's pkg/tedge.Client.Entities map and its
// handleRegistrationMessage, generalized from "map[topic]any blob" into
// a typed store with the parent-buffering invariant from spec.md §4.3.
package entitystore

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/thin-edge/tedge-mapper-core/internal/tedgeerr"
	"github.com/thin-edge/tedge-mapper-core/internal/topic"
)

// Kind classifies an entity per spec.md §3.
type Kind string

const (
	KindMainDevice  Kind = "main-device"
	KindChildDevice Kind = "child-device"
	KindService     Kind = "service"
)

// Entity is a single registered device, child-device or service.
type Entity struct {
	TopicId     topic.TopicId `json:"-"`
	ExternalId  string        `json:"externalId"`
	Kind        Kind          `json:"kind"`
	Parent      *topic.TopicId `json:"-"`
	ParentTopic string        `json:"parentTopic,omitempty"`
	TypeHint    string        `json:"typeHint,omitempty"`
	DisplayName string        `json:"displayName,omitempty"`
}

// RegisterResult reports what register() did, per spec.md §4.3.
type RegisterResult int

const (
	Created RegisterResult = iota
	AlreadyExists
	Updated
)

// logRecord is the append-only on-disk representation of one register
// or deregister call, used for crash-recovery of the entity graph.
type logRecord struct {
	Op     string `json:"op"` // "register" | "deregister"
	Entity Entity `json:"entity,omitempty"`
	Topic  string `json:"topic,omitempty"`
}

// Store is the single-writer actor owning the entity graph. All
// mutation is expected to flow through a single goroutine per spec.md
// §5's shared-resource policy; Store itself still guards state with a
// mutex so it is safe to call from request/response handlers directly
// in tests and in the simple single-actor wiring used by cmd/.
type Store struct {
	mu       sync.RWMutex
	entities map[string]*Entity          // keyed by TopicId.Topic()
	byExtID  map[string]*Entity          // keyed by ExternalId
	children map[string][]*Entity        // keyed by parent TopicId.Topic()
	pending  map[string][]*Entity        // keyed by not-yet-registered parent topic
	logFile  *os.File
}

// New constructs an empty store. If logPath is non-empty, register and
// deregister calls are appended there durably before returning, per the
// spec.md §4.3 contract ("persists to disk before returning").
func New(logPath string) (*Store, error) {
	s := &Store{
		entities: make(map[string]*Entity),
		byExtID:  make(map[string]*Entity),
		children: make(map[string][]*Entity),
		pending:  make(map[string][]*Entity),
	}
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
		if err != nil {
			return nil, tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "open entity log")
		}
		s.logFile = f
		if err := s.replay(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// replay reloads the entity graph from the append-only log at startup.
func (s *Store) replay() error {
	if _, err := s.logFile.Seek(0, 0); err != nil {
		return tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "seek entity log")
	}
	scanner := bufio.NewScanner(s.logFile)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec logRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		switch rec.Op {
		case "register":
			e := rec.Entity
			s.registerLocked(&e)
		case "deregister":
			s.deregisterLocked(rec.Topic)
		}
	}
	if _, err := s.logFile.Seek(0, 2); err != nil {
		return tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "seek entity log to end")
	}
	return scanner.Err()
}

func (s *Store) appendLog(rec logRecord) error {
	if s.logFile == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "marshal entity log record")
	}
	data = append(data, '\n')
	if _, err := s.logFile.Write(data); err != nil {
		return tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "append entity log")
	}
	return s.logFile.Sync()
}

// Register adds or updates an entity. If the entity's declared parent
// is not yet known, the registration is buffered keyed by the parent's
// topic and released in insertion order once the parent registers
// (spec.md §4.3's parent-first invariant).
func (s *Store) Register(e Entity) (RegisterResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Parent != nil {
		if cycle := s.wouldCycle(*e.Parent, e.TopicId); cycle {
			return AlreadyExists, errors.Errorf("register %s: parent %s would create a cycle", e.TopicId, *e.Parent)
		}
		parentKey := e.Parent.Topic()
		if _, ok := s.entities[parentKey]; !ok {
			s.pending[parentKey] = append(s.pending[parentKey], &e)
			return Created, nil
		}
	}

	result := s.registerLocked(&e)
	if err := s.appendLog(logRecord{Op: "register", Entity: e}); err != nil {
		return result, err
	}
	s.releasePending(e.TopicId)
	return result, nil
}

// wouldCycle walks the ancestors of candidateParent looking for self,
// enforcing the design note that the entity graph is a forest.
func (s *Store) wouldCycle(candidateParent, self topic.TopicId) bool {
	seen := map[string]bool{self.Topic(): true}
	cur := candidateParent
	for {
		if seen[cur.Topic()] {
			return true
		}
		seen[cur.Topic()] = true
		ent, ok := s.entities[cur.Topic()]
		if !ok || ent.Parent == nil {
			return false
		}
		cur = *ent.Parent
	}
}

func (s *Store) registerLocked(e *Entity) RegisterResult {
	key := e.TopicId.Topic()
	_, existed := s.entities[key]
	s.entities[key] = e
	if e.ExternalId != "" {
		s.byExtID[e.ExternalId] = e
	}
	if e.Parent != nil {
		pk := e.Parent.Topic()
		s.children[pk] = appendUnique(s.children[pk], e)
	}
	if existed {
		return Updated
	}
	return Created
}

func appendUnique(list []*Entity, e *Entity) []*Entity {
	for _, existing := range list {
		if existing.TopicId.Topic() == e.TopicId.Topic() {
			return list
		}
	}
	return append(list, e)
}

// releasePending registers, in insertion order, any buffered children
// of the entity just registered.
func (s *Store) releasePending(parent topic.TopicId) {
	key := parent.Topic()
	waiting := s.pending[key]
	delete(s.pending, key)
	for _, child := range waiting {
		s.registerLocked(child)
		_ = s.appendLog(logRecord{Op: "register", Entity: *child})
		s.releasePending(child.TopicId)
	}
}

// AutoRegister infers kind from the TopicId shape and registers a
// default entity when one is not already known, per spec.md §4.3.
func (s *Store) AutoRegister(id topic.TopicId, mainDeviceExternalId string) (Entity, RegisterResult, error) {
	s.mu.RLock()
	existing, ok := s.entities[id.Topic()]
	s.mu.RUnlock()
	if ok {
		return *existing, AlreadyExists, nil
	}

	var kind Kind
	var parent *topic.TopicId
	switch {
	case id.IsMainDevice():
		kind = KindMainDevice
	case id.Component == "service":
		kind = KindService
		p := topic.TopicId{Root: id.Root, Device: id.Device}
		parent = &p
	default:
		kind = KindChildDevice
		p := topic.NewMainDevice()
		parent = &p
	}

	e := Entity{
		TopicId:    id,
		ExternalId: id.ExternalId(mainDeviceExternalId),
		Kind:       kind,
		Parent:     parent,
	}
	result, err := s.Register(e)
	return e, result, err
}

// Get returns a registered entity by TopicId.
func (s *Store) Get(id topic.TopicId) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id.Topic()]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// GetByExternalId returns a registered entity by its cloud-visible id.
func (s *Store) GetByExternalId(externalId string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byExtID[externalId]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// IterChildren returns the direct children of parent, in registration order.
func (s *Store) IterChildren(parent topic.TopicId) []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.children[parent.Topic()]
	out := make([]Entity, 0, len(list))
	for _, e := range list {
		out = append(out, *e)
	}
	return out
}

// Deregister removes an entity and cascades to all descendants.
func (s *Store) Deregister(id topic.TopicId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deregisterLocked(id.Topic())
	return s.appendLog(logRecord{Op: "deregister", Topic: id.Topic()})
}

func (s *Store) deregisterLocked(key string) {
	e, ok := s.entities[key]
	if !ok {
		return
	}
	// Range over a copy: each recursive call compacts s.children[key] in
	// place, which would otherwise shift later siblings under the loop.
	for _, child := range append([]*Entity(nil), s.children[key]...) {
		s.deregisterLocked(child.TopicId.Topic())
	}
	delete(s.entities, key)
	delete(s.children, key)
	if e.ExternalId != "" {
		delete(s.byExtID, e.ExternalId)
	}
	if e.Parent != nil {
		pk := e.Parent.Topic()
		filtered := s.children[pk][:0]
		for _, c := range s.children[pk] {
			if c.TopicId.Topic() != key {
				filtered = append(filtered, c)
			}
		}
		s.children[pk] = filtered
	}
}

// Close releases the on-disk log handle.
func (s *Store) Close() error {
	if s.logFile == nil {
		return nil
	}
	return s.logFile.Close()
}
