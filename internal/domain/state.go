package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// EntityRecord is one population member's attribute set within a year state.
// Attributes are opaque to the orchestrator; it only carries and overlays them.
type EntityRecord struct {
	EntityID   string
	Attributes map[string]string
}

func (r EntityRecord) clone() EntityRecord {
	attrs := make(map[string]string, len(r.Attributes))
	for k, v := range r.Attributes {
		attrs[k] = v
	}
	return EntityRecord{EntityID: r.EntityID, Attributes: attrs}
}

// YearState is the finalized population state at the end of one simulation
// year. Records are kept in ascending entity-id order; Finalized is set only
// once the year's STATE_ACCUMULATION stage has been checkpointed.
type YearState struct {
	Year      int
	Finalized bool
	Records   []EntityRecord
}

func (s YearState) Validate() error {
	if s.Year <= 0 {
		return errors.New("year is required")
	}
	seen := make(map[string]struct{}, len(s.Records))
	for _, record := range s.Records {
		id := strings.TrimSpace(record.EntityID)
		if id == "" {
			return errors.New("entity id is required")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate entity id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy with records sorted by entity id.
func (s YearState) Clone() YearState {
	out := YearState{Year: s.Year, Finalized: s.Finalized}
	out.Records = make([]EntityRecord, 0, len(s.Records))
	for _, record := range s.Records {
		out.Records = append(out.Records, record.clone())
	}
	sort.Slice(out.Records, func(i, j int) bool {
		return out.Records[i].EntityID < out.Records[j].EntityID
	})
	return out
}

// ContentSHA256 hashes the state in canonical record and attribute order, so
// byte-identical final state is checkable across runs.
func (s YearState) ContentSHA256() string {
	h := sha256.New()
	fmt.Fprintf(h, "year:%d\n", s.Year)
	clone := s.Clone()
	for _, record := range clone.Records {
		fmt.Fprintf(h, "entity:%s\n", record.EntityID)
		keys := make([]string, 0, len(record.Attributes))
		for k := range record.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "%s=%s\n", k, record.Attributes[k])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// YearOutputs carries the current year's task outputs into the accumulator:
// attribute overlays produced by the year's events, keyed by entity id.
type YearOutputs struct {
	Year     int
	Overlays map[string]map[string]string
	NewHires []EntityRecord
	Departed map[string]struct{}
}
