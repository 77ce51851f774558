package provisioning

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrInvalidEntry is returned for entries without a participant id.
var ErrInvalidEntry = errors.New("invalid provisioning entry")

// StaticSource implements Source using a fixed list of entries
type StaticSource struct {
	entries []Entry
}

// NewStaticSource creates a source returning entries
func NewStaticSource(entries []Entry) *StaticSource {
	return &StaticSource{entries: append([]Entry(nil), entries...)}
}

// Entries returns a copy of the configured entries
func (s *StaticSource) Entries(ctx context.Context) ([]Entry, error) {
	return append([]Entry(nil), s.entries...), nil
}

// file is the YAML layout of a provisioning file:
//
//	entries:
//	  - participantId: billing
//	    globallyVisible: true
//	    address: {type: mqtt, brokerUri: "tcp://broker:1883", topic: billing}
type file struct {
	Entries []Entry `yaml:"entries"`
}

// FileSource reads entries from a YAML file on every call, so edits are
// picked up on the next Apply.
type FileSource struct {
	path string
}

// NewFileSource creates a source backed by the YAML file at path
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Entries parses the file
func (s *FileSource) Entries(ctx context.Context) ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provisioning file: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning file %s: %w", s.path, err)
	}
	for i, e := range f.Entries {
		if e.ParticipantID == "" {
			return nil, fmt.Errorf("%w: entry %d has no participantId", ErrInvalidEntry, i)
		}
	}
	return f.Entries, nil
}

// Apply adds every entry of src to the router as a provisioned next hop and
// returns how many were accepted. Entries the routing table refuses are
// logged and skipped.
func Apply(ctx context.Context, src Source, to NextHopAdder, logger zerolog.Logger) (int, error) {
	entries, err := src.Entries(ctx)
	if err != nil {
		return 0, err
	}
	accepted := 0
	for _, e := range entries {
		if !to.AddProvisionedNextHop(e.ParticipantID, e.Address, e.GloballyVisible) {
			logger.Warn().
				Str("participantId", e.ParticipantID).
				Stringer("address", e.Address).
				Msg("provisioned entry refused by routing table")
			continue
		}
		accepted++
	}
	logger.Info().Int("accepted", accepted).Int("total", len(entries)).Msg("applied provisioned routes")
	return accepted, nil
}
