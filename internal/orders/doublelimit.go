package orders

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/hedgebot/internal/incident"
	"github.com/web3guy0/hedgebot/internal/storage"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DOUBLE-LIMIT - Coupled opposing limits, either fill cancels the sibling
// ═══════════════════════════════════════════════════════════════════════════════
//
// The ARMED record (carrying both client ids) is written before either leg
// goes out, so a crash between the two placements is visible in storage.
// On a leg fill the sibling cancel is issued before the triggered leg's
// hedge, keeping the double-exposure window as small as possible.
//
// ═══════════════════════════════════════════════════════════════════════════════

// doubleState is the in-memory mirror of one DoubleLimit record, shared by
// both legs' map entries.
type doubleState struct {
	mu     sync.Mutex
	record *storage.DoubleLimit
	legA   string
	legB   string
}

func (ds *doubleState) sibling(clientID string) string {
	if clientID == ds.legA {
		return ds.legB
	}
	return ds.legA
}

// PlaceDoubleLimit places both legs, atomically from the caller's view.
// When double_limit_enabled is off, only leg A is placed and idB is empty.
func (m *Manager) PlaceDoubleLimit(ctx context.Context, specA, specB PlaceSpec) (idA, idB string, err error) {
	if !m.cfg.DoubleLimitEnabled {
		idA, err = m.Place(ctx, specA)
		return idA, "", err
	}

	specA.Role = storage.RoleDoubleA
	specB.Role = storage.RoleDoubleB

	fsmA, acctA, err := m.prepare(ctx, specA)
	if err != nil {
		return "", "", err
	}
	fsmB, acctB, err := m.prepare(ctx, specB)
	if err != nil {
		return fsmA.Order().ClientOrderID, "", err
	}
	idA = fsmA.Order().ClientOrderID
	idB = fsmB.Order().ClientOrderID

	// ARMED record carries both refs before either placement.
	record := &storage.DoubleLimit{
		PairKey:   specA.PairID,
		OrderARef: idA,
		OrderBRef: idB,
		VenueA:    specA.Venue,
		VenueB:    specB.Venue,
		State:     storage.DoubleLimitArmed,
	}
	if err := m.store.CreateDoubleLimit(ctx, record); err != nil {
		return idA, idB, fmt.Errorf("persist double-limit: %w", err)
	}

	ds := &doubleState{record: record, legA: idA, legB: idB}
	m.mu.Lock()
	m.doubles[idA] = ds
	m.doubles[idB] = ds
	m.mu.Unlock()

	if err := m.submit(ctx, fsmA, acctA, specA); err != nil {
		m.failDouble(ctx, ds, "leg A placement failed: "+err.Error())
		_, _ = fsmB.Apply(ctx, PlaceRejected{Reason: "sibling placement failed"})
		return idA, idB, err
	}
	if err := m.submit(ctx, fsmB, acctB, specB); err != nil {
		// Best-effort unwind of the leg already in the book.
		if cErr := m.Cancel(ctx, idA); cErr != nil {
			log.Error().Err(cErr).Str("client_id", idA).Msg("❌ Unwind cancel failed")
		}
		m.failDouble(ctx, ds, "leg B placement failed: "+err.Error())
		return idA, idB, err
	}

	log.Info().
		Str("leg_a", idA).
		Str("leg_b", idB).
		Str("pair", specA.PairID).
		Msg("🔗 Double-limit armed")
	return idA, idB, nil
}

func (m *Manager) failDouble(ctx context.Context, ds *doubleState, reason string) {
	ds.mu.Lock()
	ds.record.State = storage.DoubleLimitFailed
	rec := *ds.record
	ds.mu.Unlock()

	if err := m.store.UpdateDoubleLimit(ctx, &rec); err != nil {
		log.Error().Err(err).Msg("❌ Failed to persist double-limit failure")
	}
	m.incidents.Record(ctx, incident.SevError, incident.CodeDoubleLimitFailed, reason,
		map[string]any{"pair": ds.record.PairKey, "leg_a": ds.legA, "leg_b": ds.legB})
}

// onDoubleLegFill drives ARMED → TRIGGERED → CANCELLING → RESOLVED for the
// record when one leg fills. Called from OnFill before any hedge goes out.
func (m *Manager) onDoubleLegFill(ctx context.Context, filled storage.Order) {
	m.mu.Lock()
	ds, ok := m.doubles[filled.ClientOrderID]
	m.mu.Unlock()
	if !ok {
		return
	}

	ds.mu.Lock()
	switch ds.record.State {
	case storage.DoubleLimitArmed:
		ds.record.State = storage.DoubleLimitTriggered
		ds.record.TriggeredOrderID = filled.ClientOrderID
	case storage.DoubleLimitTriggered, storage.DoubleLimitCancelling:
		// Further partials on the already-triggered leg change nothing.
		if ds.record.TriggeredOrderID == filled.ClientOrderID {
			ds.mu.Unlock()
			return
		}
		// The sibling filled while we were cancelling it: both legs live.
		ds.record.State = storage.DoubleLimitFailed
		rec := *ds.record
		ds.mu.Unlock()
		_ = m.store.UpdateDoubleLimit(ctx, &rec)
		m.incidents.Record(ctx, incident.SevCritical, incident.CodeDoubleLimitFailed,
			"both double-limit legs filled",
			map[string]any{"pair": filled.PairID, "leg_a": ds.legA, "leg_b": ds.legB})
		return
	default:
		ds.mu.Unlock()
		return
	}
	sibling := ds.sibling(filled.ClientOrderID)
	rec := *ds.record
	ds.mu.Unlock()

	if err := m.store.UpdateDoubleLimit(ctx, &rec); err != nil {
		log.Error().Err(err).Msg("❌ Failed to persist double-limit trigger")
	}

	ds.mu.Lock()
	ds.record.State = storage.DoubleLimitCancelling
	rec = *ds.record
	ds.mu.Unlock()
	if err := m.store.UpdateDoubleLimit(ctx, &rec); err != nil {
		log.Error().Err(err).Msg("❌ Failed to persist double-limit cancelling")
	}

	log.Info().
		Str("triggered", filled.ClientOrderID).
		Str("cancelling", sibling).
		Msg("🔗 Double-limit triggered, cancelling sibling")

	cancelErr := m.Cancel(ctx, sibling)

	ds.mu.Lock()
	if cancelErr == nil {
		ds.record.State = storage.DoubleLimitResolved
		ds.record.CancelledOrderID = sibling
	} else {
		ds.record.State = storage.DoubleLimitFailed
	}
	rec = *ds.record
	ds.mu.Unlock()

	if err := m.store.UpdateDoubleLimit(ctx, &rec); err != nil {
		log.Error().Err(err).Msg("❌ Failed to persist double-limit resolution")
	}
	if cancelErr != nil {
		m.incidents.Record(ctx, incident.SevError, incident.CodeDoubleLimitFailed,
			"sibling cancel failed: "+cancelErr.Error(),
			map[string]any{"triggered": filled.ClientOrderID, "sibling": sibling})
	}
}
