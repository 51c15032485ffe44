package api

import (
	"net/http"
	"time"

	"github.com/s2report/ingestor/internal/audit"
	"github.com/s2report/ingestor/internal/ingestion"
)

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// UploadResponse is returned for every upload that reached the engine.
	//
	// Accepted and rejected counts come straight from the engine. A duplicate
	// upload reports zero for both and sets Duplicate.
	UploadResponse struct {
		ingestion.Result

		FileName      string    `json:"fileName"`
		Records       int       `json:"records"`
		CorrelationID string    `json:"correlationId"`
		Timestamp     time.Time `json:"timestamp"`
	}

	// UploadListResponse lists recent uploads, newest first.
	UploadListResponse struct {
		Uploads []ingestion.UploadRecord `json:"uploads"`
		Count   int                      `json:"count"`
	}

	// AuditListResponse lists recent audit entries, newest first.
	AuditListResponse struct {
		Entries []audit.Entry `json:"entries"`
		Count   int           `json:"count"`
	}

	// PartitionListResponse lists the partition tables present in the database.
	PartitionListResponse struct {
		Partitions []string `json:"partitions"`
		Count      int      `json:"count"`
	}

	// TopologyResponse is the partition tree as clients see it: every valid
	// combination of upload coordinates.
	TopologyResponse struct {
		Countries []CountryNode `json:"countries"`
		DataTypes []string      `json:"dataTypes"`
	}

	// CountryNode is one country of the topology.
	CountryNode struct {
		Code      string         `json:"code"`
		Platforms []PlatformNode `json:"platforms"`
	}

	// PlatformNode is one platform under a country.
	PlatformNode struct {
		Name             string   `json:"name"`
		Channels         []string `json:"channels"`
		DataTypeRequired bool     `json:"dataTypeRequired"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	// Used for declarative route registration with middleware bypass support.
	Route struct {
		Path    string           // The URL path for this route (e.g., "GET /ping")
		Handler http.HandlerFunc // The HTTP handler function for this route
	}
)
