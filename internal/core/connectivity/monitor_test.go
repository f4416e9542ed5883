package connectivity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifiesOnlyOnChange(t *testing.T) {
	m := NewMonitor(true)

	var seen []bool
	m.Subscribe(func(online bool) { seen = append(seen, online) })

	m.SetOnline(true) // no change
	m.SetOnline(false)
	m.SetOnline(false) // no change
	m.SetOnline(true)

	assert.Equal(t, []bool{false, true}, seen)
	assert.True(t, m.Online())
}

func TestUnsubscribe(t *testing.T) {
	m := NewMonitor(true)

	count := 0
	unsub := m.Subscribe(func(bool) { count++ })
	m.SetOnline(false)
	unsub()
	m.SetOnline(true)

	assert.Equal(t, 1, count)
}
