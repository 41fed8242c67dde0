// Package patients holds an in-process patient metadata store, used in
// development and when no database is configured.
package patients

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"oncoroom-relay/internal/core"
	"oncoroom-relay/pkg"
)

// Memory is a map-backed patient store.
type Memory struct {
	mu      sync.RWMutex
	records map[string]pkg.PatientRecord
}

// NewMemory returns a store seeded with recs.
func NewMemory(recs ...pkg.PatientRecord) *Memory {
	m := &Memory{records: make(map[string]pkg.PatientRecord, len(recs))}
	for _, r := range recs {
		m.records[r.PatientID] = r
	}
	return m
}

// ReadSeed reads a JSON array of patient records from path.  Every record
// needs a patient_id.
func ReadSeed(path string) ([]pkg.PatientRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patients seed: %w", err)
	}
	var recs []pkg.PatientRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, fmt.Errorf("decode patients seed %s: %w", path, err)
	}
	for i, r := range recs {
		if r.PatientID == "" {
			return nil, fmt.Errorf("decode patients seed %s: record %d has no patient_id", path, i)
		}
	}
	return recs, nil
}

// LoadFile returns a store holding the records of a seed file.
func LoadFile(path string) (*Memory, error) {
	recs, err := ReadSeed(path)
	if err != nil {
		return nil, err
	}
	return NewMemory(recs...), nil
}

// FetchPatient returns a copy of the stored record.
func (m *Memory) FetchPatient(_ context.Context, patientID string) (*pkg.PatientRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[patientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrPatientNotFound, patientID)
	}
	return &r, nil
}

