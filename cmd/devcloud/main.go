// Command devcloud is an in-memory stand-in for the hosted Remvin cloud,
// meant for local development and end-to-end testing of the sync engine.
// Any non-empty X-API-Key acts as its own isolated tenant.
package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func main() {
	addr := flag.String("addr", ":8787", "listen address")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	router := newRouter(newMemStore(), logger)

	logger.Info("devcloud listening", "addr", *addr)
	if err := router.Run(*addr); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func newRouter(store *memStore, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1", tenantAuth())
	v1.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	v1.PUT("/records/:table", handleUpsert(store, logger))
	v1.GET("/records/:table/changes", handleChanges(store))

	return router
}

// tenantAuth requires a non-empty X-API-Key and stows it as the tenant id.
func tenantAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			// Also accept a bearer token so the selfhosted provider can
			// point at devcloud; the raw token doubles as the tenant id.
			if auth := c.GetHeader("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
				key = auth[7:]
			}
		}
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing api key"})
			return
		}
		c.Set("tenant", key)
		c.Next()
	}
}

func handleUpsert(store *memStore, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in upsertInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if len(in.Payload) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payload is required"})
			return
		}

		tenant := c.GetString("tenant")
		table := c.Param("table")
		origin := c.GetHeader("X-Remvin-Device")

		rec, created := store.upsert(tenant, table, origin, in)
		logger.Debug("upsert",
			"tenant", tenant, "table", table, "id", rec.ID, "created", created)
		c.JSON(http.StatusOK, gin.H{"id": rec.ID, "created": created})
	}
}

func handleChanges(store *memStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var since time.Time
		if raw := c.Query("since"); raw != "" {
			parsed, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since timestamp"})
				return
			}
			since = parsed
		}
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = parsed
		}

		records := store.changesSince(c.GetString("tenant"), c.Param("table"), since, limit)
		if records == nil {
			records = []*record{}
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	}
}
