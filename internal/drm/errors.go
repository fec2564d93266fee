package drm

import "fmt"

// ConfigError is the fatal failure class: the local device identity profile
// is missing or unusable. No retry or fallback can help.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "drm config: " + e.Reason }

// DeniedError carries the license server's rejection of a challenge.
type DeniedError struct {
	Status  int
	Message string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("license denied (status %d): %s", e.Status, e.Message)
}
