package handlers

import (
	"encoding/json"
	"net/http"
)

func queryParam(name, description string, schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"in":          "query",
		"description": description,
		"required":    false,
		"schema":      schema,
	}
}

func pathParam(name, description, typ string) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"in":          "path",
		"description": description,
		"required":    true,
		"schema":      map[string]string{"type": typ},
	}
}

func jsonResponse(description string, schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"description": description,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{"schema": schema},
		},
	}
}

func ref(name string) map[string]interface{} {
	return map[string]interface{}{"$ref": "#/components/schemas/" + name}
}

func paginated(item map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"data":        map[string]interface{}{"type": "array", "items": item},
			"total":       map[string]string{"type": "integer"},
			"page":        map[string]string{"type": "integer"},
			"limit":       map[string]string{"type": "integer"},
			"total_pages": map[string]string{"type": "integer"},
		},
	}
}

var pageParams = []map[string]interface{}{
	queryParam("page", "Page number (default: 1)", map[string]interface{}{"type": "integer", "default": 1}),
	queryParam("limit", "Records per page (default: 100, max: 1000)", map[string]interface{}{"type": "integer", "default": 100}),
}

// OpenAPISpec returns the OpenAPI 3.0 specification for the AMeDAS climate API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	errorResponse := jsonResponse("Error", ref("Error"))

	spec := map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":       "AMeDAS Climate API",
			"description": "Monthly climatology baselines and anomalies computed from JMA AMeDAS hourly observations",
			"version":     "1.0.0",
		},
		"servers": []map[string]string{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": map[string]interface{}{
			"/api/anomalies/{year}/{month}": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get exported anomalies of a month",
					"description": "Records of the month's JSON result file, one per station, in station order",
					"parameters": append([]map[string]interface{}{
						pathParam("year", "Target year", "integer"),
						pathParam("month", "Target month (1-12)", "integer"),
					}, pageParams...),
					"responses": map[string]interface{}{
						"200": jsonResponse("Successful response", paginated(ref("AnomalyRecord"))),
						"400": errorResponse,
						"404": errorResponse,
					},
				},
			},
			"/api/anomalies": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Query stored anomalies",
					"description": "Long-format anomaly rows from the database; available when a database is configured",
					"parameters": append([]map[string]interface{}{
						queryParam("year", "Filter by year", map[string]interface{}{"type": "integer"}),
						queryParam("month", "Filter by month", map[string]interface{}{"type": "integer"}),
						queryParam("station_id", "Filter by station id", map[string]interface{}{"type": "string"}),
						queryParam("variable", "Filter by variable", map[string]interface{}{"type": "string"}),
					}, pageParams...),
					"responses": map[string]interface{}{
						"200": jsonResponse("Successful response", paginated(ref("AnomalyRow"))),
						"400": errorResponse,
					},
				},
			},
			"/api/baselines/{station_id}": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get the climatology baseline of a station",
					"description": "Per calendar month means over the baseline period; null marks a variable with no valid data",
					"parameters": []map[string]interface{}{
						pathParam("station_id", "Station id, e.g. s47662 or a0002", "string"),
					},
					"responses": map[string]interface{}{
						"200": jsonResponse("Successful response", ref("Baseline")),
						"400": errorResponse,
						"404": errorResponse,
					},
				},
			},
			"/api/runs": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "List acquisition runs",
					"description": "Most recent acquisition run summaries; available when a database is configured",
					"parameters":  pageParams[1:],
					"responses": map[string]interface{}{
						"200": jsonResponse("Successful response", map[string]interface{}{"type": "array", "items": ref("Run")}),
					},
				},
			},
			"/health": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "Health check",
					"responses": map[string]interface{}{
						"200": jsonResponse("Service is healthy", map[string]interface{}{"type": "object"}),
						"503": jsonResponse("Database unreachable", map[string]interface{}{"type": "object"}),
					},
				},
			},
		},
		"components": map[string]interface{}{
			"schemas": map[string]interface{}{
				"Error": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"error":   map[string]string{"type": "string"},
						"message": map[string]string{"type": "string"},
						"code":    map[string]string{"type": "integer"},
					},
				},
				"AnomalyRecord": map[string]interface{}{
					"type":        "object",
					"description": "station_id, station_name, then current_<var>, baseline_<var> and <var>_anomaly per variable, rounded to 2 decimals",
					"properties": map[string]interface{}{
						"station_id":   map[string]string{"type": "string"},
						"station_name": map[string]string{"type": "string"},
					},
					"additionalProperties": map[string]string{"type": "number"},
				},
				"AnomalyRow": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"year":         map[string]string{"type": "integer"},
						"month":        map[string]string{"type": "integer"},
						"station_id":   map[string]string{"type": "string"},
						"variable":     map[string]string{"type": "string"},
						"current":      map[string]string{"type": "number"},
						"baseline":     map[string]string{"type": "number"},
						"anomaly":      map[string]string{"type": "number"},
						"period_start": map[string]string{"type": "string", "format": "date-time"},
						"period_end":   map[string]string{"type": "string", "format": "date-time"},
						"computed_at":  map[string]string{"type": "string", "format": "date-time"},
					},
				},
				"Baseline": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"station_id": map[string]string{"type": "string"},
						"start_year": map[string]string{"type": "integer"},
						"end_year":   map[string]string{"type": "integer"},
						"months": map[string]interface{}{
							"type": "object",
							"additionalProperties": map[string]interface{}{
								"type":                 "object",
								"additionalProperties": map[string]interface{}{"type": "number", "nullable": true},
							},
						},
					},
				},
				"Run": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"run_id":           map[string]string{"type": "string"},
						"state":            map[string]string{"type": "string"},
						"started_at":       map[string]string{"type": "string", "format": "date-time"},
						"finished_at":      map[string]string{"type": "string", "format": "date-time"},
						"stations_total":   map[string]string{"type": "integer"},
						"stations_visited": map[string]string{"type": "integer"},
						"skipped":          map[string]string{"type": "integer"},
						"acquired":         map[string]string{"type": "integer"},
						"failed":           map[string]string{"type": "integer"},
						"bytes_written":    map[string]string{"type": "integer"},
					},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(spec)
}
