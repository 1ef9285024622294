// Package parser turns archived obsdl CSV records into observation tables.
package parser

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"amedas-climate/internal/models"
	"amedas-climate/pkg/logging"
	"amedas-climate/pkg/metrics"
)

// Defaults of the obsdl hourly layout.
const (
	DefaultQualityThreshold = 8
	DefaultExpectedFields   = 42
	TimestampLayout         = "2006/1/2 15:04:05"
)

// Reasons used for dropped row metrics.
const (
	DropArity     = "arity"
	DropTimestamp = "timestamp"
)

// Source provides decompressed UTF-8 archive content.
type Source interface {
	Read(key models.ArchiveKey) ([]byte, error)
}

// Config holds the parser settings
type Config struct {
	Location *time.Location
	// QualityThreshold is the minimum quality code of a trusted value.
	QualityThreshold int
	// ExpectedFields is the row width of a well formed table; 0 accepts
	// whatever width the header declares.
	ExpectedFields int
}

// Parser is safe for concurrent use.
type Parser struct {
	cfg     Config
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// New creates a parser. metricsCollector may be nil.
func New(cfg Config, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Parser {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.QualityThreshold == 0 {
		cfg.QualityThreshold = DefaultQualityThreshold
	}
	return &Parser{cfg: cfg, logger: logger, metrics: metricsCollector}
}

// Load reads and parses the archive record for key. A missing or unreadable
// record yields an empty table.
func (p *Parser) Load(ctx context.Context, src Source, key models.ArchiveKey) *models.ObservationTable {
	data, err := src.Read(key)
	if err != nil {
		if !errors.Is(err, models.ErrArchiveNotFound) {
			p.logger.Warn(ctx, "[PARSE_READ_ERROR] Archive could not be read", logging.Fields{
				"key":   key.String(),
				"error": err.Error(),
			})
		}
		return models.NewObservationTable(key.StationID)
	}
	table := p.Parse(ctx, key.String(), data)
	table.StationID = key.StationID
	return table
}

// Parse converts one record. It never fails: malformed input is logged and
// produces an empty table.
func (p *Parser) Parse(ctx context.Context, source string, data []byte) *models.ObservationTable {
	lines := nonBlankLines(data)

	dateIdx, qualityIdx := -1, -1
	for i, line := range lines {
		if dateIdx < 0 && strings.Contains(line, DateTimeToken) {
			dateIdx = i
		}
		if dateIdx >= 0 && strings.Contains(line, QualityToken) {
			qualityIdx = i
			break
		}
	}
	if dateIdx < 0 || qualityIdx < 0 {
		return p.malformed(ctx, source, "header markers not found")
	}

	columns, dateCol := compositeColumns(lines[dateIdx : qualityIdx+1])
	if p.cfg.ExpectedFields > 0 && len(columns) != p.cfg.ExpectedFields {
		return p.malformed(ctx, source, "header declares "+strconv.Itoa(len(columns))+" columns, want "+strconv.Itoa(p.cfg.ExpectedFields))
	}

	index := make(map[string]int, len(columns))
	for i, name := range columns {
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}

	schema := DetectSchema(index)
	if schema == nil {
		p.logger.Warn(ctx, "[PARSE_UNKNOWN_SCHEMA] Table layout not recognised", logging.Fields{
			"source":  source,
			"columns": len(columns),
		})
		t := models.NewObservationTable("")
		t.Schema = SchemaUnknown
		return t
	}

	type binding struct {
		variable models.Variable
		value    int
		quality  int
	}
	var bindings []binding
	vars := schema.Variables()
	for name, v := range schema.Columns {
		vi, ok := index[name]
		if !ok {
			continue
		}
		qi, ok := index[name+qualitySuffix]
		if !ok {
			continue
		}
		bindings = append(bindings, binding{variable: v, value: vi, quality: qi})
	}

	table := models.NewObservationTable("", vars...)
	table.Schema = schema.Name

	rows := lines[qualityIdx+1:]
	if len(rows) == 0 {
		p.logger.Warn(ctx, "[PARSE_EMPTY] Archive has no data rows", logging.Fields{
			"source": source,
		})
		return table
	}

	for n, line := range rows {
		fields := strings.Split(line, ",")
		if len(fields) != len(columns) {
			arityErr := &models.RowArityError{
				Source: source,
				Line:   qualityIdx + 2 + n,
				Got:    len(fields),
				Want:   len(columns),
			}
			p.logger.Warn(ctx, "[PARSE_ROW_ARITY] Dropping row with unexpected field count", logging.Fields{
				"source": source,
				"error":  arityErr.Error(),
			})
			table.Stats.ArityDropped++
			continue
		}

		ts, err := time.ParseInLocation(TimestampLayout, strings.TrimSpace(fields[dateCol]), p.cfg.Location)
		if err != nil {
			table.Stats.TimestampDropped++
			continue
		}

		values := make(map[models.Variable]*float64, len(bindings))
		for _, b := range bindings {
			values[b.variable] = p.gate(fields[b.value], fields[b.quality])
		}
		table.AppendRow(ts, values)
		table.Stats.Rows++
	}

	if table.Stats.TimestampDropped > 0 {
		p.logger.Debug(ctx, "[PARSE_TIMESTAMP] Dropped rows with unparseable timestamps", logging.Fields{
			"source":  source,
			"dropped": table.Stats.TimestampDropped,
		})
	}
	if p.metrics != nil {
		p.metrics.RecordRowsDropped(DropArity, table.Stats.ArityDropped)
		p.metrics.RecordRowsDropped(DropTimestamp, table.Stats.TimestampDropped)
	}
	return table
}

// gate returns the numeric value when its quality code reaches the
// threshold, nil otherwise.
func (p *Parser) gate(value, quality string) *float64 {
	q, err := strconv.ParseFloat(strings.TrimSpace(quality), 64)
	if err != nil || q < float64(p.cfg.QualityThreshold) {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return nil
	}
	return &f
}

func (p *Parser) malformed(ctx context.Context, source, reason string) *models.ObservationTable {
	err := &models.MalformedArchiveError{Source: source, Reason: reason}
	p.logger.Warn(ctx, "[PARSE_MALFORMED] Archive could not be parsed", logging.Fields{
		"source": source,
		"error":  err.Error(),
	})
	return models.NewObservationTable("")
}

// compositeColumns joins the non-empty tokens of every header line per
// column position. The width is that of the narrowest header line.
func compositeColumns(header []string) ([]string, int) {
	split := make([][]string, len(header))
	width := -1
	for i, line := range header {
		split[i] = strings.Split(line, ",")
		if width < 0 || len(split[i]) < width {
			width = len(split[i])
		}
	}

	columns := make([]string, width)
	dateCol := 0
	for c := 0; c < width; c++ {
		var parts []string
		isDate := false
		for _, tokens := range split {
			tok := strings.TrimSpace(tokens[c])
			if tok == "" {
				continue
			}
			if tok == DateTimeToken {
				isDate = true
			}
			parts = append(parts, tok)
		}
		if isDate {
			columns[c] = DateTimeColumn
			dateCol = c
			continue
		}
		columns[c] = strings.Join(parts, "_")
	}
	return columns, dateCol
}

func nonBlankLines(data []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
