package api

import (
	"net/http"

	"github.com/mattjoyce/shunter/internal/auth"
)

// route describes one documented endpoint.
type route struct {
	method  string
	path    string
	summary string
	scopes  []string
	params  []map[string]any
	codes   map[string]string
}

var documentedRoutes = []route{
	{method: "get", path: "/healthz", summary: "Liveness: ok, degraded or fault",
		codes: map[string]string{"200": "Health report"}},
	{method: "get", path: "/status", summary: "Orchestrator state and recent activity", scopes: []string{auth.ScopeStatusRO},
		codes: map[string]string{"200": "Status snapshot"}},
	{method: "get", path: "/last_detection", summary: "Most recent detection", scopes: []string{auth.ScopeStatusRO, auth.ScopeDetectorRO},
		codes: map[string]string{"200": "Detection", "404": "Nothing detected yet"}},
	{method: "get", path: "/last_frame", summary: "Detector's latest annotated frame", scopes: []string{auth.ScopeDetectorRO, auth.ScopeStatusRO},
		codes: map[string]string{"200": "JPEG frame", "502": "Detector unreachable"}},
	{method: "get", path: "/events", summary: "Server-sent event stream", scopes: []string{auth.ScopeEventsRO},
		params: []map[string]any{queryParam("types", "string"), queryParam("last_event_id", "integer")},
		codes:  map[string]string{"200": "text/event-stream"}},
	{method: "post", path: "/cmd/stop", summary: "Stop the rig", scopes: []string{auth.ScopeMotionRW},
		codes: commandCodes()},
	{method: "post", path: "/cmd/forward", summary: "Drive forward until stopped", scopes: []string{auth.ScopeMotionRW},
		params: []map[string]any{queryParam("speed", "integer")},
		codes:  commandCodes()},
	{method: "post", path: "/cmd/reverse", summary: "Reverse for a bounded time", scopes: []string{auth.ScopeMotionRW},
		params: []map[string]any{queryParam("speed", "integer"), queryParam("duration", "number")},
		codes:  commandCodes()},
	{method: "post", path: "/cmd/reset", summary: "Leave FAULT and resume monitoring", scopes: []string{auth.ScopeMotionRW},
		codes: map[string]string{"200": "Reset", "409": "Not in FAULT"}},
}

func commandCodes() map[string]string {
	return map[string]string{
		"200": "Command written to the actuator",
		"400": "Invalid parameters",
		"409": "Refused in FAULT",
		"502": "Actuator write failed",
		"504": "Timed out waiting for the write",
	}
}

func queryParam(name, typ string) map[string]any {
	return map[string]any{
		"name":   name,
		"in":     "query",
		"schema": map[string]any{"type": typ},
	}
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the API.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	for _, rt := range documentedRoutes {
		responses := map[string]any{}
		for code, desc := range rt.codes {
			responses[code] = map[string]any{"description": desc}
		}
		op := map[string]any{
			"summary":   rt.summary,
			"responses": responses,
		}
		if len(rt.scopes) > 0 {
			op["security"] = []any{map[string]any{"BearerAuth": rt.scopes}}
			responses["401"] = map[string]any{"description": "Missing or invalid token"}
			responses["403"] = map[string]any{"description": "Insufficient scope"}
		}
		if len(rt.params) > 0 {
			op["parameters"] = rt.params
		}
		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}
		item[rt.method] = op
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Shunter",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
