package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats a snapshot in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	sb.WriteString("# HELP emberchat_uptime_seconds Time since the daemon started\n")
	sb.WriteString("# TYPE emberchat_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("emberchat_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	sb.WriteString("# HELP emberchat_requests_total Total number of requests by endpoint\n")
	sb.WriteString("# TYPE emberchat_requests_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequests) {
		sb.WriteString(fmt.Sprintf("emberchat_requests_total{endpoint=\"%s\"} %d\n", endpoint, snap.TotalRequests[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP emberchat_request_errors_total Total number of request errors by endpoint\n")
	sb.WriteString("# TYPE emberchat_request_errors_total counter\n")
	for _, endpoint := range sortedKeys(snap.RequestErrors) {
		sb.WriteString(fmt.Sprintf("emberchat_request_errors_total{endpoint=\"%s\"} %d\n", endpoint, snap.RequestErrors[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP emberchat_request_duration_ms_total Total request duration in milliseconds\n")
	sb.WriteString("# TYPE emberchat_request_duration_ms_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequestsDur) {
		sb.WriteString(fmt.Sprintf("emberchat_request_duration_ms_total{endpoint=\"%s\"} %d\n", endpoint, snap.TotalRequestsDur[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP emberchat_streams_started_total Generations admitted by the registry\n")
	sb.WriteString("# TYPE emberchat_streams_started_total counter\n")
	sb.WriteString(fmt.Sprintf("emberchat_streams_started_total %d\n", snap.StreamsStarted))
	sb.WriteString("\n")

	sb.WriteString("# HELP emberchat_streams_completed_total Generations that completed naturally\n")
	sb.WriteString("# TYPE emberchat_streams_completed_total counter\n")
	sb.WriteString(fmt.Sprintf("emberchat_streams_completed_total %d\n", snap.StreamsCompleted))
	sb.WriteString("\n")

	sb.WriteString("# HELP emberchat_streams_failed_total Generations ended by upstream failure\n")
	sb.WriteString("# TYPE emberchat_streams_failed_total counter\n")
	sb.WriteString(fmt.Sprintf("emberchat_streams_failed_total %d\n", snap.StreamsFailed))
	sb.WriteString("\n")

	sb.WriteString("# HELP emberchat_streams_cancelled_total Cancelled generations by reason\n")
	sb.WriteString("# TYPE emberchat_streams_cancelled_total counter\n")
	for _, reason := range sortedKeys(snap.StreamsCancelled) {
		sb.WriteString(fmt.Sprintf("emberchat_streams_cancelled_total{reason=\"%s\"} %d\n", reason, snap.StreamsCancelled[reason]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP emberchat_stream_conflicts_total Sends rejected because a stream was in flight\n")
	sb.WriteString("# TYPE emberchat_stream_conflicts_total counter\n")
	sb.WriteString(fmt.Sprintf("emberchat_stream_conflicts_total %d\n", snap.StreamConflicts))
	sb.WriteString("\n")

	sb.WriteString("# HELP emberchat_chunks_published_total Content fragments fanned out to connections\n")
	sb.WriteString("# TYPE emberchat_chunks_published_total counter\n")
	sb.WriteString(fmt.Sprintf("emberchat_chunks_published_total %d\n", snap.ChunksPublished))
	sb.WriteString("\n")

	sb.WriteString("# HELP emberchat_characters_streamed_total Characters of generated text published\n")
	sb.WriteString("# TYPE emberchat_characters_streamed_total counter\n")
	sb.WriteString(fmt.Sprintf("emberchat_characters_streamed_total %d\n", snap.CharactersStreamed))
	sb.WriteString("\n")

	sb.WriteString("# HELP emberchat_streams_by_model_total Generations started by model\n")
	sb.WriteString("# TYPE emberchat_streams_by_model_total counter\n")
	for _, model := range sortedKeys(snap.StreamsByModel) {
		sb.WriteString(fmt.Sprintf("emberchat_streams_by_model_total{model=\"%s\"} %d\n", model, snap.StreamsByModel[model]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP emberchat_turns_persisted_total Assistant turns appended on completion\n")
	sb.WriteString("# TYPE emberchat_turns_persisted_total counter\n")
	sb.WriteString(fmt.Sprintf("emberchat_turns_persisted_total %d\n", snap.TurnsPersisted))
	sb.WriteString("\n")

	sb.WriteString("# HELP emberchat_persist_errors_total Failed assistant-turn appends\n")
	sb.WriteString("# TYPE emberchat_persist_errors_total counter\n")
	sb.WriteString(fmt.Sprintf("emberchat_persist_errors_total %d\n", snap.PersistErrors))
	sb.WriteString("\n")

	sb.WriteString("# HELP emberchat_rate_limit_hits_total Requests rejected by the rate limiter\n")
	sb.WriteString("# TYPE emberchat_rate_limit_hits_total counter\n")
	sb.WriteString(fmt.Sprintf("emberchat_rate_limit_hits_total %d\n", snap.RateLimitHits))
	sb.WriteString("\n")

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
