package events

import (
	"sync"
)

var (
	globalMu  sync.RWMutex
	globalBus EventBus
)

// SetGlobalEventBus installs the process-wide event bus. Modules that
// cannot take the bus as a constructor argument reach it through
// GetGlobalEventBus.
func SetGlobalEventBus(bus EventBus) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalBus = bus
}

// GetGlobalEventBus returns the process-wide event bus, or nil when
// none has been installed yet.
func GetGlobalEventBus() EventBus {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalBus
}

// PublishGlobal publishes an event on the global bus if one is
// installed. It is a convenience for fire-and-forget notifications
// from code paths that tolerate a missing bus.
func PublishGlobal(event Event) error {
	bus := GetGlobalEventBus()
	if bus == nil {
		return ErrBusNotRunning
	}
	return bus.PublishAsync(event)
}
