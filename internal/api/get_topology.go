package api

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/s2report/ingestor/internal/api/middleware"
	"github.com/s2report/ingestor/internal/topology"
)

// handleGetTopology describes every valid combination of upload coordinates.
func (s *Server) handleGetTopology(w http.ResponseWriter, r *http.Request) {
	if s.deps.Topology == nil {
		s.unavailable(w, r, "topology")

		return
	}

	s.writeJSON(w, r, http.StatusOK, mapTopology(s.deps.Topology))
}

// handleListPartitions lists the partition tables present in the database.
func (s *Server) handleListPartitions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Partitions == nil {
		s.unavailable(w, r, "partition catalog")

		return
	}

	partitions, err := s.deps.Partitions.ListPartitions(r.Context())
	if err != nil {
		s.logger.Error("Failed to list partitions",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Partition catalog is unavailable"))

		return
	}

	if partitions == nil {
		partitions = []string{}
	}

	s.writeJSON(w, r, http.StatusOK, PartitionListResponse{Partitions: partitions, Count: len(partitions)})
}

// mapTopology walks countries then platforms in declaration order. Platforms
// with no channels under a country are omitted because nothing can be
// uploaded to them.
func mapTopology(topo *topology.Topology) TopologyResponse {
	resp := TopologyResponse{
		Countries: make([]CountryNode, 0, len(topo.Countries)),
		DataTypes: append([]string{}, topo.DataTypes...),
	}

	for _, country := range topo.Countries {
		node := CountryNode{Code: country, Platforms: []PlatformNode{}}

		for _, platform := range topo.Platforms {
			channels := topo.ChannelsFor(country, platform)
			if len(channels) == 0 {
				continue
			}

			node.Platforms = append(node.Platforms, PlatformNode{
				Name:             platform,
				Channels:         slices.Clone(channels),
				DataTypeRequired: topo.RequiresDataType(country, platform),
			})
		}

		resp.Countries = append(resp.Countries, node)
	}

	return resp
}
