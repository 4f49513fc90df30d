// Package accumulator rolls one year's finalized population state forward
// into the next year's starting state. It is the single place where state
// crosses a year boundary, and it only ever reads finalized prior-year
// state: feeding a year's own in-progress state back into that year is the
// circular dependency this design exists to prevent.
package accumulator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/plansim-labs/plansim-go/internal/domain"
	"github.com/plansim-labs/plansim-go/internal/simerr"
)

// Accumulate produces year N+1's starting state from year N's finalized
// state plus year N+1's task outputs. Unaffected attributes carry forward
// unchanged; attributes touched by current-year events are overlaid; prior
// year records are never edited. The result's records are in ascending
// entity-id order.
func Accumulate(prior domain.YearState, outputs domain.YearOutputs) (domain.YearState, error) {
	if err := prior.Validate(); err != nil {
		return domain.YearState{}, simerr.Wrap(simerr.CategoryState, simerr.SeverityCritical,
			"prior year state is invalid", err)
	}
	if !prior.Finalized {
		return domain.YearState{}, simerr.New(simerr.CategoryState, simerr.SeverityCritical,
			fmt.Sprintf("prior year %d state is not finalized; refusing to accumulate year %d", prior.Year, outputs.Year))
	}
	if outputs.Year != prior.Year+1 {
		return domain.YearState{}, simerr.New(simerr.CategoryState, simerr.SeverityCritical,
			fmt.Sprintf("outputs are for year %d, expected year %d", outputs.Year, prior.Year+1))
	}

	// Deep copy: the overlay below must never reach back into prior records.
	next := prior.Clone()
	next.Year = outputs.Year
	next.Finalized = false

	kept := next.Records[:0]
	for _, record := range next.Records {
		if _, gone := outputs.Departed[record.EntityID]; gone {
			continue
		}
		if overlay, touched := outputs.Overlays[record.EntityID]; touched {
			for attr, value := range overlay {
				record.Attributes[attr] = value
			}
		}
		kept = append(kept, record)
	}
	next.Records = kept

	for _, hire := range outputs.NewHires {
		id := strings.TrimSpace(hire.EntityID)
		if id == "" {
			return domain.YearState{}, simerr.New(simerr.CategoryState, simerr.SeverityCritical,
				"new hire record has no entity id")
		}
		if _, gone := outputs.Departed[id]; gone {
			continue
		}
		next.Records = append(next.Records, domain.EntityRecord{
			EntityID:   id,
			Attributes: cloneAttributes(hire.Attributes),
		})
	}

	sort.Slice(next.Records, func(i, j int) bool {
		return next.Records[i].EntityID < next.Records[j].EntityID
	})
	if err := next.Validate(); err != nil {
		return domain.YearState{}, simerr.Wrap(simerr.CategoryState, simerr.SeverityCritical,
			"accumulated state is invalid", err)
	}
	return next, nil
}

// Finalize marks a year state as checkpointed. Only the scheduler calls this,
// after the year's STATE_ACCUMULATION checkpoint is durably written.
func Finalize(state domain.YearState) domain.YearState {
	state.Finalized = true
	return state
}

func cloneAttributes(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
