// Persistent state for the auto Z offset host
//
// Stores the calibration baseline, the last run record and the probe
// health history in one YAML file. Writes go through a temp file and an
// atomic rename so a crash mid-write never corrupts the state.
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"autoz-host/pkg/autoz"
)

// FileStore implements autoz.Store on a single YAML file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store at path. The file is created on first save;
// a missing file reads as empty state.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

type baselineDoc struct {
	TriggerHeight       float64   `yaml:"trigger_height"`
	PaperDelta          float64   `yaml:"paper_delta"`
	ReferenceX          float64   `yaml:"reference_x"`
	ReferenceY          float64   `yaml:"reference_y"`
	BedTempRef          *float64  `yaml:"bed_temp_ref,omitempty"`
	HotendTempRef       *float64  `yaml:"hotend_temp_ref,omitempty"`
	ChamberTempRef      *float64  `yaml:"chamber_temp_ref,omitempty"`
	FirstLayerReference float64   `yaml:"first_layer_reference"`
	ProbeType           string    `yaml:"probe_type"`
	CreatedAt           time.Time `yaml:"created_at"`
}

type lastRunDoc struct {
	ProbeZ    float64   `yaml:"probe_z"`
	Spread    float64   `yaml:"spread"`
	Drift     float64   `yaml:"drift"`
	Offset    float64   `yaml:"offset"`
	Timestamp time.Time `yaml:"timestamp"`
}

type stateDoc struct {
	Baseline *baselineDoc         `yaml:"baseline,omitempty"`
	LastRun  *lastRunDoc          `yaml:"last_run,omitempty"`
	History  []autoz.HealthRecord `yaml:"history,omitempty"`
}

func (s *FileStore) load() (*stateDoc, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &stateDoc{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var doc stateDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", s.path, err)
	}
	return &doc, nil
}

func (s *FileStore) save(doc *stateDoc) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".autoz-state-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// update applies fn to the current document and writes it back.
func (s *FileStore) update(fn func(*stateDoc)) error {
	doc, err := s.load()
	if err != nil {
		return err
	}
	fn(doc)
	return s.save(doc)
}

// LoadBaseline returns the stored baseline, or (nil, nil) when none exists.
func (s *FileStore) LoadBaseline() (*autoz.CalibrationBaseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil || doc.Baseline == nil {
		return nil, err
	}
	b := doc.Baseline
	return &autoz.CalibrationBaseline{
		TriggerHeight:       b.TriggerHeight,
		PaperDelta:          b.PaperDelta,
		ReferenceX:          b.ReferenceX,
		ReferenceY:          b.ReferenceY,
		BedTempRef:          b.BedTempRef,
		HotendTempRef:       b.HotendTempRef,
		ChamberTempRef:      b.ChamberTempRef,
		FirstLayerReference: b.FirstLayerReference,
		ProbeType:           autoz.ProbeType(b.ProbeType),
		CreatedAt:           b.CreatedAt,
	}, nil
}

// SaveBaseline stores a new baseline, replacing any previous one.
func (s *FileStore) SaveBaseline(b *autoz.CalibrationBaseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(func(doc *stateDoc) {
		doc.Baseline = &baselineDoc{
			TriggerHeight:       b.TriggerHeight,
			PaperDelta:          b.PaperDelta,
			ReferenceX:          b.ReferenceX,
			ReferenceY:          b.ReferenceY,
			BedTempRef:          b.BedTempRef,
			HotendTempRef:       b.HotendTempRef,
			ChamberTempRef:      b.ChamberTempRef,
			FirstLayerReference: b.FirstLayerReference,
			ProbeType:           string(b.ProbeType),
			CreatedAt:           b.CreatedAt,
		}
	})
}

// ClearBaseline removes the stored baseline; clearing an empty store is a
// no-op.
func (s *FileStore) ClearBaseline() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(func(doc *stateDoc) {
		doc.Baseline = nil
	})
}

// LoadLastRun returns the most recent run record, or (nil, nil).
func (s *FileStore) LoadLastRun() (*autoz.LastRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil || doc.LastRun == nil {
		return nil, err
	}
	lr := doc.LastRun
	return &autoz.LastRun{
		ProbeZ:    lr.ProbeZ,
		Spread:    lr.Spread,
		Drift:     lr.Drift,
		Offset:    lr.Offset,
		Timestamp: lr.Timestamp,
	}, nil
}

// SaveLastRun stores the most recent run record.
func (s *FileStore) SaveLastRun(lr autoz.LastRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(func(doc *stateDoc) {
		doc.LastRun = &lastRunDoc{
			ProbeZ:    lr.ProbeZ,
			Spread:    lr.Spread,
			Drift:     lr.Drift,
			Offset:    lr.Offset,
			Timestamp: lr.Timestamp,
		}
	})
}

// LoadHistory returns the stored health history, oldest first.
func (s *FileStore) LoadHistory() ([]autoz.HealthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.History, nil
}

// SaveHistory replaces the stored health history. A nil slice clears it.
func (s *FileStore) SaveHistory(recs []autoz.HealthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(func(doc *stateDoc) {
		doc.History = recs
	})
}
