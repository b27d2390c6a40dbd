package api

import (
	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/shell/docker"
)

// =============================================================================
// Response Types
// =============================================================================

// StatusResponse is the response for GET /status.
type StatusResponse struct {
	Project  string                       `json:"project"`
	Services []docker.ServiceView         `json:"services"`
	Summary  map[domain.ServiceStatus]int `json:"summary"`
}

// ErrorResponse is the error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
