package routingtable

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/routingtable"
)

// snapshotEntry is the on-disk form of one routing entry.
type snapshotEntry struct {
	ParticipantID     string          `json:"participantId"`
	Address           address.Address `json:"address"`
	IsGloballyVisible bool            `json:"isGloballyVisible"`
	ExpiryDateMs      int64           `json:"expiryDateMs"`
	IsSticky          bool            `json:"isSticky"`
}

// SaveFile writes the persistable entries of table to path as JSON.
// In-process entries are skipped since their receivers do not survive a restart.
func SaveFile(path string, table routingtable.RoutingTable) error {
	entries := table.Entries()
	snapshot := make([]snapshotEntry, 0, len(entries))
	for id, e := range entries {
		if !e.Address.IsPersistable() {
			continue
		}
		snapshot = append(snapshot, snapshotEntry{
			ParticipantID:     id,
			Address:           e.Address,
			IsGloballyVisible: e.IsGloballyVisible,
			ExpiryDateMs:      e.ExpiryDateMs,
			IsSticky:          e.IsSticky,
		})
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ParticipantID < snapshot[j].ParticipantID })

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode routing table: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".routingtable-*")
	if err != nil {
		return fmt.Errorf("failed to save routing table: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save routing table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to save routing table: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to save routing table: %w", err)
	}
	return nil
}

// LoadFile reads a snapshot written by SaveFile into table and returns the
// number of entries the table accepted. A missing file loads nothing.
func LoadFile(path string, table routingtable.RoutingTable) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load routing table: %w", err)
	}

	var snapshot []snapshotEntry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return 0, fmt.Errorf("failed to decode routing table %s: %w", path, err)
	}

	loaded := 0
	for _, e := range snapshot {
		if table.Put(e.ParticipantID, e.Address, e.IsGloballyVisible, e.ExpiryDateMs, e.IsSticky) {
			loaded++
		}
	}
	return loaded, nil
}
