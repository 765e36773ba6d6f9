// Package yamlfile keeps the fleet as one human-readable YAML document keyed
// by device address. The whole document is rewritten on every write through a
// temp file and rename, so readers never observe a torn file.
package yamlfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/micro-ha/minion-fleet/controller/internal/domain/fleet"
)

type cameraDoc struct {
	Position     string `yaml:"camera_pos,omitempty"`
	Status       string `yaml:"status,omitempty"`
	LastCaptured string `yaml:"last_captured,omitempty"`
}

type camerasDoc struct {
	Camera1 cameraDoc `yaml:"camera1"`
	Camera2 cameraDoc `yaml:"camera2"`
}

type deviceDoc struct {
	Status       string     `yaml:"status"`
	LastAccessed string     `yaml:"last_accessed"`
	LastUpdate   string     `yaml:"last_update,omitempty"`
	Cameras      camerasDoc `yaml:"cameras"`
}

// Store is the YAML document implementation of fleet.Store.
type Store struct {
	path   string
	clock  fleet.Clock
	logger *slog.Logger

	mu      sync.RWMutex
	records map[string]fleet.Record
}

// Open loads the document at path. A missing or empty file is an empty fleet;
// a document that does not parse is an error so it is never overwritten.
func Open(path string, clock fleet.Clock, logger *slog.Logger) (*Store, error) {
	if clock == nil {
		clock = fleet.SystemClock
	}
	s := &Store{path: path, clock: clock, logger: logger, records: map[string]fleet.Record{}}

	body, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", fleet.ErrPersistence, path, err)
	}
	if strings.TrimSpace(string(body)) == "" {
		return s, nil
	}

	var doc map[string]deviceDoc
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", fleet.ErrPersistence, path, err)
	}
	for address, device := range doc {
		s.records[address] = fromDoc(address, device)
	}
	if logger != nil {
		logger.Debug("fleet document loaded", "path", path, "devices", len(s.records))
	}
	return s, nil
}

func (s *Store) Get(_ context.Context, address string) (fleet.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[address]
	return record, ok, nil
}

func (s *Store) GetAll(_ context.Context) (map[string]fleet.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]fleet.Record, len(s.records))
	for address, record := range s.records {
		out[address] = record
	}
	return out, nil
}

func (s *Store) GetMany(_ context.Context, addresses []string) (map[string]fleet.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]fleet.Record, len(addresses))
	for _, address := range addresses {
		if record, ok := s.records[address]; ok {
			out[address] = record
		}
	}
	return out, nil
}

// Write merges w into the record and persists the full document. The
// in-memory view only changes once the file has been replaced.
func (s *Store) Write(ctx context.Context, address string, w fleet.WriteRequest) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: write %s: %v", fleet.ErrPersistence, address, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[address]
	if !ok {
		current = fleet.Record{Address: address}
	}
	next := fleet.Apply(current, w, s.clock())

	doc := make(map[string]deviceDoc, len(s.records)+1)
	for key, record := range s.records {
		doc[key] = toDoc(record)
	}
	doc[address] = toDoc(next)

	if err := s.persist(doc); err != nil {
		return fmt.Errorf("%w: write %s: %v", fleet.ErrPersistence, address, err)
	}
	s.records[address] = next
	return nil
}

// Close is a no-op; every write is already on disk.
func (s *Store) Close() error {
	return nil
}

func (s *Store) persist(doc map[string]deviceDoc) error {
	body, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".minions-*.yaml")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func toDoc(r fleet.Record) deviceDoc {
	return deviceDoc{
		Status:       r.Status.String(),
		LastAccessed: formatTime(&r.LastAccessed),
		LastUpdate:   r.LastUpdate,
		Cameras: camerasDoc{
			Camera1: cameraToDoc(r.Camera1),
			Camera2: cameraToDoc(r.Camera2),
		},
	}
}

func cameraToDoc(c fleet.Camera) cameraDoc {
	return cameraDoc{Position: c.Position, Status: string(c.Status), LastCaptured: formatTime(c.LastCaptured)}
}

func fromDoc(address string, d deviceDoc) fleet.Record {
	record := fleet.Record{
		Address:    address,
		Status:     fleet.ParseStatus(d.Status),
		LastUpdate: d.LastUpdate,
		Camera1:    cameraFromDoc(d.Cameras.Camera1),
		Camera2:    cameraFromDoc(d.Cameras.Camera2),
	}
	if ts := parseTime(d.LastAccessed); ts != nil {
		record.LastAccessed = *ts
	}
	return record
}

func cameraFromDoc(d cameraDoc) fleet.Camera {
	return fleet.Camera{Position: d.Position, Status: fleet.CameraStatus(d.Status), LastCaptured: parseTime(d.LastCaptured)}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

// parseTime accepts RFC 3339 and the offset-less ISO form older documents use.
func parseTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return &t
		}
	}
	return nil
}
