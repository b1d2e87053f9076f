package httpapi

import (
	"net/http"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/httpjson"
)

// handleOpenAPI renvoie une spec OpenAPI minimale de l'API locale.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	ref := func(name string) map[string]any {
		return map[string]any{"$ref": "#/components/schemas/" + name}
	}
	jsonOK := func(desc string, schema map[string]any) map[string]any {
		return map[string]any{
			"description": desc,
			"content": map[string]any{
				"application/json": map[string]any{"schema": schema},
			},
		}
	}
	jsonBody := func(schema map[string]any, required bool) map[string]any {
		return map[string]any{
			"required": required,
			"content": map[string]any{
				"application/json": map[string]any{"schema": schema},
			},
		}
	}
	arrayOf := func(name string) map[string]any {
		return map[string]any{"type": "array", "items": ref(name)}
	}
	idParam := []any{map[string]any{
		"name": "id", "in": "path", "required": true,
		"schema": map[string]any{"type": "string"},
	}}
	jsonErr := jsonOK("Error", ref("Error"))
	str := map[string]any{"type": "string"}
	dateTime := map[string]any{"type": "string", "format": "date-time"}

	spec := map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   "IBD agent API",
			"version": "v1",
		},
		"components": map[string]any{
			"schemas": map[string]any{
				"Error": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"error": str,
						"code": map[string]any{
							"type": "string",
							"enum": []any{"network_error", "auth_error", "not_found", "external_item", "no_source", "quality_mismatch", "suspicious_link", "config_invalid", "backend_dispatch"},
						},
					},
					"required": []any{"error"},
				},
				"SelectionEntry": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":         str,
						"title":      str,
						"alias":      str,
						"author":     str,
						"uploadTime": map[string]any{"type": "integer", "description": "epoch ms"},
					},
					"required": []any{"id"},
				},
				"Snapshot": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"timestamp": map[string]any{"type": "integer"},
						"entries": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"key":   str,
									"value": ref("SelectionEntry"),
								},
							},
						},
					},
				},
				"VideoDescriptor": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":              str,
						"title":           str,
						"alias":           str,
						"author":          str,
						"authorId":        str,
						"uploadTime":      dateTime,
						"tags":            map[string]any{"type": "array", "items": str},
						"downloadQuality": str,
						"downloadUrl":     str,
						"description":     str,
						"comments":        str,
						"state":           map[string]any{"type": "string", "enum": []any{"unresolved", "resolved", "failed", "external"}},
						"step":            map[string]any{"type": "string", "enum": []any{"init", "authenticating", "fetching", "resolved", "partial_from_cache", "external", "failed"}},
						"externalUrl":     str,
						"mirrorUrl":       str,
						"updatedAt":       dateTime,
					},
				},
				"FailedItem": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":         str,
						"stage":      map[string]any{"type": "string", "enum": []any{"resolve", "dispatch"}},
						"code":       str,
						"message":    str,
						"descriptor": ref("VideoDescriptor"),
						"failedAt":   dateTime,
					},
				},
				"BatchReport": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"queued": map[string]any{"type": "array", "items": str},
						"failed": arrayOf("FailedItem"),
					},
				},
				"DownloadRequest": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"ids": map[string]any{"type": "array", "items": str, "description": "Vide: toute la sélection."},
					},
				},
				"Endpoint": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":  str,
						"token": str,
					},
				},
				"Settings": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"downloadType":           map[string]any{"type": "string", "enum": []any{"aria2", "iwara-downloader", "browser", "others"}},
						"downloadPath":           str,
						"pathVariables":          map[string]any{"type": "object", "additionalProperties": str},
						"downloadDir":            str,
						"proxy":                  str,
						"cookies":                str,
						"checkPriority":          map[string]any{"type": "boolean"},
						"downloadPriority":       str,
						"priority":               map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "integer"}},
						"checkSuspiciousLinks":   map[string]any{"type": "boolean"},
						"aria2":                  ref("Endpoint"),
						"iwaraDownloader":        ref("Endpoint"),
						"authorization":          str,
						"maxConcurrentDownloads": map[string]any{"type": "integer", "minimum": 1},
						"minDispatchIntervalMs":  map[string]any{"type": "integer", "minimum": 0},
						"mirrorSearchUrl":        str,
					},
				},
			},
		},
		"paths": map[string]any{
			"/api/v1/health": map[string]any{
				"get": map[string]any{"responses": map[string]any{"200": map[string]any{"description": "OK"}}},
			},
			"/api/v1/version": map[string]any{
				"get": map[string]any{"responses": map[string]any{"200": map[string]any{"description": "OK"}}},
			},
			"/api/v1/openapi.json": map[string]any{
				"get": map[string]any{"responses": map[string]any{"200": map[string]any{"description": "OK"}}},
			},
			"/api/v1/events": map[string]any{
				"get": map[string]any{"responses": map[string]any{"200": map[string]any{"description": "SSE: hello, notification, selection, ping"}}},
			},
			"/api/v1/ws": map[string]any{
				"get": map[string]any{"responses": map[string]any{"101": map[string]any{"description": "WebSocket: {event, data}"}}},
			},
			"/api/v1/selection": map[string]any{
				"get": map[string]any{"responses": map[string]any{"200": jsonOK("OK", ref("Snapshot"))}},
			},
			"/api/v1/selection/{id}": map[string]any{
				"parameters": idParam,
				"get": map[string]any{"responses": map[string]any{
					"200": jsonOK("OK", ref("SelectionEntry")),
					"404": jsonErr,
				}},
				"put": map[string]any{
					"requestBody": jsonBody(ref("SelectionEntry"), false),
					"responses": map[string]any{
						"200": jsonOK("OK", ref("SelectionEntry")),
						"400": jsonErr,
					},
				},
				"delete": map[string]any{"responses": map[string]any{
					"204": map[string]any{"description": "Deleted"},
					"404": jsonErr,
				}},
			},
			"/api/v1/downloads": map[string]any{
				"post": map[string]any{
					"requestBody": jsonBody(ref("DownloadRequest"), false),
					"responses": map[string]any{
						"202": jsonOK("Accepted", ref("BatchReport")),
						"400": jsonErr,
						"502": jsonErr,
					},
				},
			},
			"/api/v1/downloads/failures": map[string]any{
				"get": map[string]any{"responses": map[string]any{"200": jsonOK("OK", arrayOf("FailedItem"))}},
			},
			"/api/v1/downloads/{id}": map[string]any{
				"parameters": idParam,
				"post": map[string]any{"responses": map[string]any{
					"202": jsonOK("Accepted", ref("BatchReport")),
					"400": jsonErr,
				}},
			},
			"/api/v1/downloads/{id}/retry": map[string]any{
				"parameters": idParam,
				"post": map[string]any{"responses": map[string]any{
					"202": map[string]any{"description": "Accepted"},
					"404": jsonErr,
					"422": jsonErr,
					"502": jsonErr,
				}},
			},
			"/api/v1/videos/{id}": map[string]any{
				"parameters": idParam,
				"get": map[string]any{"responses": map[string]any{
					"200": jsonOK("OK", ref("VideoDescriptor")),
					"404": jsonErr,
					"502": jsonErr,
				}},
			},
			"/api/v1/cache": map[string]any{
				"get": map[string]any{
					"parameters": []any{
						map[string]any{"name": "from", "in": "query", "schema": str, "description": "RFC3339 ou epoch ms"},
						map[string]any{"name": "to", "in": "query", "schema": str, "description": "RFC3339 ou epoch ms"},
						map[string]any{"name": "limit", "in": "query", "schema": map[string]any{"type": "integer"}},
					},
					"responses": map[string]any{
						"200": jsonOK("OK", arrayOf("VideoDescriptor")),
						"400": jsonErr,
					},
				},
			},
			"/api/v1/cache/{id}": map[string]any{
				"parameters": idParam,
				"get": map[string]any{"responses": map[string]any{
					"200": jsonOK("OK", ref("VideoDescriptor")),
					"404": jsonErr,
				}},
			},
			"/api/v1/settings": map[string]any{
				"get": map[string]any{"responses": map[string]any{
					"200": jsonOK("OK", ref("Settings")),
					"500": jsonErr,
				}},
				"put": map[string]any{
					"requestBody": jsonBody(ref("Settings"), true),
					"responses": map[string]any{
						"200": jsonOK("OK", ref("Settings")),
						"400": jsonErr,
					},
				},
				"patch": map[string]any{
					"requestBody": jsonBody(map[string]any{"type": "object", "additionalProperties": true}, true),
					"responses": map[string]any{
						"200": jsonOK("OK", ref("Settings")),
						"400": jsonErr,
					},
				},
			},
		},
	}

	httpjson.Write(w, http.StatusOK, spec)
}
