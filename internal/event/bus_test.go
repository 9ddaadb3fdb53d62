package event

import (
	"io"
	"log/slog"
	"testing"

	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/domain/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return NewBus(prometheus.NewRegistry(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func drain(ch <-chan Event) []Type {
	var out []Type
	for {
		select {
		case evt := <-ch:
			out = append(out, evt.Type)
		default:
			return out
		}
	}
}

func TestMinRole(t *testing.T) {
	tests := []struct {
		eventType Type
		want      models.Role
	}{
		{TypeVerificationUpdate, models.RoleBouncer},
		{TypeDailyReset, models.RoleBouncer},
		{TypeBulkProgress, models.RoleManager},
		{TypePassCreated, models.RoleManager},
		{TypeSystemAlert, models.RoleAdmin},
		{Type("made:up"), models.RoleAdmin},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			assert.Equal(t, tt.want, MinRole(tt.eventType))
		})
	}
}

func TestBus_RoleFiltering(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()

	_, bouncerCh := bus.Subscribe(models.RoleBouncer)
	_, managerCh := bus.Subscribe(models.RoleManager)
	_, adminCh := bus.Subscribe(models.RoleAdmin)

	bus.Publish(TypeVerificationUpdate, nil)
	bus.Publish(TypeBulkProgress, nil)
	bus.Publish(TypeSystemAlert, nil)

	assert.Equal(t, []Type{TypeVerificationUpdate}, drain(bouncerCh))
	assert.Equal(t, []Type{TypeVerificationUpdate, TypeBulkProgress}, drain(managerCh))
	assert.Equal(t, []Type{TypeVerificationUpdate, TypeBulkProgress, TypeSystemAlert}, drain(adminCh))
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()

	id, ch := bus.Subscribe(models.RoleAdmin)
	bus.Unsubscribe(id)

	_, open := <-ch
	assert.False(t, open)

	// publishing after unsubscribe must not panic
	bus.Publish(TypeSystemAlert, nil)
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()

	_, ch := bus.Subscribe(models.RoleAdmin)

	for i := 0; i < subscriberQueueSize+10; i++ {
		bus.Publish(TypeVerificationUpdate, i)
	}

	got := drain(ch)
	require.Len(t, got, subscriberQueueSize, "overflow dropped, publisher never blocked")
}

func TestBus_EventCarriesTimestampAndData(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()

	_, ch := bus.Subscribe(models.RoleBouncer)
	bus.Publish(TypeVerificationUpdate, map[string]any{"uid": "CARD001"})

	evt := <-ch
	assert.Equal(t, TypeVerificationUpdate, evt.Type)
	assert.False(t, evt.Timestamp.IsZero())
	assert.Equal(t, map[string]any{"uid": "CARD001"}, evt.Data)
}
