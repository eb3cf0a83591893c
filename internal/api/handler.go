package api

import (
	"attendance-sync-backend/internal/poller"
	"attendance-sync-backend/internal/store"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store store.Store
	sync  *poller.Service
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, sync *poller.Service) *Handler {
	return &Handler{
		store: s,
		sync:  sync,
	}
}
