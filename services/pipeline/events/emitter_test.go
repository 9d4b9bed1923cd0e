// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEmitDeliversToSubscribers verifies basic fan-out.
func TestEmitDeliversToSubscribers(t *testing.T) {
	e := NewEmitter()

	var received []*Event
	e.Subscribe(func(ev *Event) {
		received = append(received, ev)
	})

	e.Emit(TypeProposed, "change-1", nil)
	e.Emit(TypeApplied, "change-1", &TransitionData{FromStatus: "approved", ToStatus: "applied"})

	require.Len(t, received, 2)
	assert.Equal(t, TypeProposed, received[0].Type)
	assert.Equal(t, "change-1", received[0].ChangeID)
	assert.NotEmpty(t, received[0].ID)
	assert.Equal(t, TypeApplied, received[1].Type)
}

// TestTypeFilter verifies subscriptions limited to specific types.
func TestTypeFilter(t *testing.T) {
	e := NewEmitter()

	var got []Type
	e.Subscribe(func(ev *Event) {
		got = append(got, ev.Type)
	}, TypeFailed, TypeRolledBack)

	e.Emit(TypeProposed, "c", nil)
	e.Emit(TypeFailed, "c", nil)
	e.Emit(TypeApplied, "c", nil)
	e.Emit(TypeRolledBack, "c", nil)

	assert.Equal(t, []Type{TypeFailed, TypeRolledBack}, got)
}

// TestUnsubscribe verifies removal stops delivery.
func TestUnsubscribe(t *testing.T) {
	e := NewEmitter()

	count := 0
	id := e.Subscribe(func(ev *Event) { count++ })

	e.Emit(TypeProposed, "c", nil)
	assert.True(t, e.Unsubscribe(id))
	e.Emit(TypeProposed, "c", nil)

	assert.Equal(t, 1, count)
	assert.False(t, e.Unsubscribe(id), "second unsubscribe is a no-op")
}

// TestPanickingHandlerDoesNotStopOthers verifies handler isolation.
func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	e := NewEmitter()

	e.Subscribe(func(ev *Event) { panic("boom") })
	delivered := false
	e.Subscribe(func(ev *Event) { delivered = true })

	assert.NotPanics(t, func() {
		e.Emit(TypeProposed, "c", nil)
	})
	assert.True(t, delivered)
}

// TestBufferBounded verifies the recent-event buffer drops oldest.
func TestBufferBounded(t *testing.T) {
	e := NewEmitter(WithBufferSize(3))

	e.Emit(TypeProposed, "c1", nil)
	e.Emit(TypeProposed, "c2", nil)
	e.Emit(TypeProposed, "c3", nil)
	e.Emit(TypeProposed, "c4", nil)

	recent := e.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, "c2", recent[0].ChangeID)
	assert.Equal(t, "c4", recent[2].ChangeID)
}
