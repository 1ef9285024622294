// Package stations loads the prepared station catalog.
package stations

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"amedas-climate/internal/models"
	"amedas-climate/pkg/logging"
	"amedas-climate/pkg/textenc"
)

// Accepted header names per field. The Japanese names are those of the
// merged JMA station list.
var headerAliases = map[string][]string{
	"id":         {"局ID", "station_id", "id"},
	"name":       {"局名", "name", "station_name"},
	"lat":        {"緯度", "lat", "latitude"},
	"lon":        {"経度", "lon", "longitude"},
	"prefecture": {"都府県振興局", "prefecture"},
}

// Catalog reads station lists.
type Catalog struct {
	logger *logging.StructuredLogger
}

// NewCatalog creates a catalog reader.
func NewCatalog(logger *logging.StructuredLogger) *Catalog {
	return &Catalog{logger: logger}
}

// LoadFile reads the catalog at path.
func (c *Catalog) LoadFile(ctx context.Context, path string) ([]models.Station, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read station catalog: %w", err)
	}
	stations, err := c.Load(ctx, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("station catalog %s: %w", path, err)
	}
	return stations, nil
}

// Load parses a catalog CSV. Rows with an invalid id or coordinates are
// skipped; repeated ids keep their first occurrence.
func (c *Catalog) Load(ctx context.Context, r io.Reader) ([]models.Station, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	data, err := textenc.ToUTF8(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}

	cols := resolveColumns(records[0])
	for _, required := range []string{"id", "name", "lat", "lon"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("catalog header lacks a %s column", required)
		}
	}

	seen := make(map[models.StationID]bool)
	var out []models.Station
	skipped, duplicates := 0, 0

	for i, rec := range records[1:] {
		st, err := toStation(rec, cols)
		if err != nil {
			skipped++
			c.logger.Warn(ctx, "[CATALOG_SKIP] Skipping catalog row", logging.Fields{
				"line":  i + 2,
				"error": err.Error(),
			})
			continue
		}
		if seen[st.ID] {
			duplicates++
			continue
		}
		seen[st.ID] = true
		out = append(out, st)
	}

	c.logger.Info(ctx, "[CATALOG_LOADED] Station catalog loaded", logging.Fields{
		"stations":   len(out),
		"skipped":    skipped,
		"duplicates": duplicates,
	})
	return out, nil
}

func resolveColumns(header []string) map[string]int {
	cols := make(map[string]int)
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		for field, aliases := range headerAliases {
			if _, done := cols[field]; done {
				continue
			}
			for _, alias := range aliases {
				if strings.EqualFold(name, alias) {
					cols[field] = i
					break
				}
			}
		}
	}
	return cols
}

func toStation(rec []string, cols map[string]int) (models.Station, error) {
	get := func(field string) string {
		i, ok := cols[field]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	id := models.StationID(get("id"))
	if !id.Valid() {
		return models.Station{}, &models.ValidationError{Field: "station_id", Value: string(id), Message: "invalid station id"}
	}
	lat, err := strconv.ParseFloat(get("lat"), 64)
	if err != nil || lat < -90 || lat > 90 {
		return models.Station{}, &models.ValidationError{Field: "lat", Value: get("lat"), Message: "invalid latitude"}
	}
	lon, err := strconv.ParseFloat(get("lon"), 64)
	if err != nil || lon < -180 || lon > 180 {
		return models.Station{}, &models.ValidationError{Field: "lon", Value: get("lon"), Message: "invalid longitude"}
	}

	return models.Station{
		ID:         id,
		Name:       get("name"),
		Latitude:   lat,
		Longitude:  lon,
		Prefecture: get("prefecture"),
	}, nil
}

// Filter keeps the stations whose id is in ids, in catalog order. An empty
// ids returns stations unchanged.
func Filter(stations []models.Station, ids []string) []models.Station {
	if len(ids) == 0 {
		return stations
	}
	want := make(map[models.StationID]bool, len(ids))
	for _, id := range ids {
		want[models.StationID(strings.TrimSpace(id))] = true
	}
	var out []models.Station
	for _, st := range stations {
		if want[st.ID] {
			out = append(out, st)
		}
	}
	return out
}
