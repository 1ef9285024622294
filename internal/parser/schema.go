package parser

import "amedas-climate/internal/models"

// Header tokens of the obsdl CSV layout.
const (
	DateTimeToken = "年月日時"
	QualityToken  = "品質情報"

	// DateTimeColumn is the canonical name of the timestamp column.
	DateTimeColumn = "datetime"

	qualitySuffix = "_" + QualityToken
)

// Schema names.
const (
	SchemaCurrent = "current"
	SchemaLegacy  = "legacy"
	SchemaUnknown = "unknown"
)

// Schema maps the composite column names of one table layout to variables.
type Schema struct {
	Name string
	// Signature identifies the layout when present among the columns.
	Signature string
	Columns   map[string]models.Variable
}

// Variables returns the variables the schema can produce.
func (s *Schema) Variables() []models.Variable {
	vars := make([]models.Variable, 0, len(s.Columns))
	seen := make(map[models.Variable]bool, len(s.Columns))
	for _, v := range orderedVariables {
		for _, mapped := range s.Columns {
			if mapped == v && !seen[v] {
				vars = append(vars, v)
				seen[v] = true
			}
		}
	}
	return vars
}

var orderedVariables = []models.Variable{
	models.Temperature, models.Precipitation, models.Humidity, models.WindSpeed,
	models.Sunshine, models.SolarRadiance, models.PressureLocal, models.PressureSea,
	models.SnowDepth, models.Snowfall, models.Visibility, models.CloudCover, models.Weather,
}

// CurrentSchema is the layout served since the wind element was renamed to
// mean wind speed.
var CurrentSchema = &Schema{
	Name:      SchemaCurrent,
	Signature: "平均風速(m/s)",
	Columns: map[string]models.Variable{
		"気温(℃)":      models.Temperature,
		"降水量(mm)":     models.Precipitation,
		"相対湿度(％)":    models.Humidity,
		"平均風速(m/s)":   models.WindSpeed,
		"日照時間(時間)":   models.Sunshine,
		"全天日射量(MJ/㎡)": models.SolarRadiance,
		"現地気圧(hPa)":   models.PressureLocal,
		"海面気圧(hPa)":   models.PressureSea,
		"積雪(cm)":      models.SnowDepth,
		"降雪(cm)":      models.Snowfall,
		"視程(km)":      models.Visibility,
		"雲量(10分比)":   models.CloudCover,
		"天気":          models.Weather,
	},
}

// LegacySchema is the older layout with a plain wind speed element.
var LegacySchema = &Schema{
	Name:      SchemaLegacy,
	Signature: "風速(m/s)",
	Columns: map[string]models.Variable{
		"気温(℃)":      models.Temperature,
		"降水量(mm)":     models.Precipitation,
		"相対湿度(％)":    models.Humidity,
		"風速(m/s)":     models.WindSpeed,
		"日照時間(時間)":   models.Sunshine,
		"全天日射量(MJ/㎡)": models.SolarRadiance,
		"現地気圧(hPa)":   models.PressureLocal,
		"海面気圧(hPa)":   models.PressureSea,
		"積雪(cm)":      models.SnowDepth,
		"降雪(cm)":      models.Snowfall,
		"視程(km)":      models.Visibility,
		"雲量(10分比)":   models.CloudCover,
		"天気":          models.Weather,
	},
}

// DetectSchema picks the layout of a table from its column names. The
// current layout wins when its signature is present; otherwise any legacy
// column selects the legacy layout. It returns nil when neither matches.
func DetectSchema(columns map[string]int) *Schema {
	if _, ok := columns[CurrentSchema.Signature]; ok {
		return CurrentSchema
	}
	for name := range LegacySchema.Columns {
		if _, ok := columns[name]; ok {
			return LegacySchema
		}
	}
	return nil
}
