package handlers

import (
	"net/http"

	"github.com/gluk-w/smssh/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	registryStatus := "unconfigured"
	if Registry != nil {
		registryStatus = "configured"
	}

	sessions := 0
	if Tunnels != nil {
		sessions = len(Tunnels.List())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"database": dbStatus,
		"registry": registryStatus,
		"region":   Region,
		"tunnels":  sessions,
	})
}
