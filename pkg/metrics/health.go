package metrics

import (
	"sync"
	"time"
)

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker manages health reports from Foreman components. The API
// health endpoint folds these into its response.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
}

var healthChecker = &HealthChecker{
	components: make(map[string]ComponentHealth),
}

// RegisterComponent registers a component for health reporting
func RegisterComponent(name string, healthy bool, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()

	healthChecker.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// UpdateComponent updates the health status of a component
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// ComponentStatuses returns a name -> status map ("ok" or the failure
// message) for every registered component.
func ComponentStatuses() map[string]string {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	out := make(map[string]string, len(healthChecker.components))
	for name, comp := range healthChecker.components {
		if comp.Healthy {
			out[name] = "ok"
		} else {
			out[name] = "unhealthy: " + comp.Message
		}
	}
	return out
}

// Healthy reports whether every registered component is healthy
func Healthy() bool {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	for _, comp := range healthChecker.components {
		if !comp.Healthy {
			return false
		}
	}
	return true
}

// Reset clears all registered components. Intended for tests.
func Reset() {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.components = make(map[string]ComponentHealth)
}
