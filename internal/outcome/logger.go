// Package outcome records end-user feedback and links it back to the memory
// items a prior query used, feeding the CRS outcome and corrections signals.
package outcome

import (
	"fmt"

	"acms/internal/logging"
	"acms/internal/store"
	"acms/internal/types"
)

// Logger resolves outcome events against the query log and applies them to
// the items the query's bundle used.
type Logger struct {
	store *store.LocalStore
	// invalidate drops the user's cached bundles after outcomes mutate
	// item state. Optional.
	invalidate func(userID string)
}

// NewLogger creates an outcome logger. invalidate may be nil.
func NewLogger(st *store.LocalStore, invalidate func(userID string)) *Logger {
	return &Logger{store: st, invalidate: invalidate}
}

// Record applies one outcome event: the raw event is stored, and every item
// used by the referenced query gets the event appended to its capped log.
// Events may arrive in any order relative to each other; application is
// per-item append, so ordering does not change the aggregated signal.
func (l *Logger) Record(userID string, ev types.OutcomeEvent) error {
	timer := logging.StartTimer(logging.CategoryOutcome, "Record")
	defer timer.Stop()

	if err := validate(ev); err != nil {
		return err
	}

	rec, err := l.store.GetQuery(ev.QueryID, userID)
	if err != nil {
		return err
	}

	if err := l.store.AppendOutcomeEvent(userID, ev); err != nil {
		return err
	}

	applied := 0
	for _, itemID := range rec.ItemsUsed {
		if err := l.store.AppendItemOutcome(itemID, userID, ev); err != nil {
			// Items may have been consolidated or erased since the query.
			logging.Get(logging.CategoryOutcome).Debugw("skipping outcome for missing item",
				"item", itemID, "error", err)
			continue
		}
		applied++
	}

	if applied > 0 && l.invalidate != nil {
		l.invalidate(userID)
	}
	logging.Get(logging.CategoryOutcome).Debugw("outcome recorded",
		"query", ev.QueryID, "kind", ev.Kind, "items", applied)
	return nil
}

func validate(ev types.OutcomeEvent) error {
	if ev.QueryID == "" {
		return fmt.Errorf("%w: outcome requires a query id", types.ErrValidation)
	}
	switch ev.Kind {
	case types.OutcomeThumbsUp, types.OutcomeThumbsDown, types.OutcomeCompleted:
	case types.OutcomeRating:
		if ev.Rating < 1 || ev.Rating > 5 {
			return fmt.Errorf("%w: rating %d out of [1,5]", types.ErrValidation, ev.Rating)
		}
	case types.OutcomeEditDistance:
		if ev.EditDistance < 0 || ev.EditDistance > 1 {
			return fmt.Errorf("%w: edit distance %f out of [0,1]", types.ErrValidation, ev.EditDistance)
		}
	default:
		return fmt.Errorf("%w: unknown outcome kind %q", types.ErrValidation, ev.Kind)
	}
	return nil
}
