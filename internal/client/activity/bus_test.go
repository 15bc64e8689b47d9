package activity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_SubscribeEmitUnsubscribe(t *testing.T) {
	b := NewBus()

	var got []Signal
	unsub := b.Subscribe(func(s Signal) { got = append(got, s) })
	assert.Equal(t, 1, b.Subscribers())

	b.Emit(SignalKey)
	b.Emit(SignalScroll)
	unsub()
	unsub()
	b.Emit(SignalTouch)

	assert.Equal(t, []Signal{SignalKey, SignalScroll}, got)
	assert.Zero(t, b.Subscribers())
}

func TestSignal_String(t *testing.T) {
	assert.Equal(t, "pointer", SignalPointer.String())
	assert.Equal(t, "touch", SignalTouch.String())
	assert.Equal(t, "unknown", Signal(42).String())
}
