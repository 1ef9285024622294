package models

import (
	"fmt"
	"time"
)

// FirstArchiveYear is the earliest year the archive grid covers.
const FirstArchiveYear = 2000

// FreshnessMarker prefixes the download timestamp JMA writes on the first
// line of every complete CSV download.
const FreshnessMarker = "ダウンロードした時刻："

// DownloadTimeLayout is the layout of the timestamp following FreshnessMarker.
const DownloadTimeLayout = "2006/01/02 15:04:05"

// YearMonth identifies one calendar month.
type YearMonth struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// YearMonthOf returns the calendar month containing t.
func YearMonthOf(t time.Time) YearMonth {
	return YearMonth{Year: t.Year(), Month: int(t.Month())}
}

// Prev returns the preceding month.
func (ym YearMonth) Prev() YearMonth {
	if ym.Month == 1 {
		return YearMonth{Year: ym.Year - 1, Month: 12}
	}
	return YearMonth{Year: ym.Year, Month: ym.Month - 1}
}

// Next returns the following month.
func (ym YearMonth) Next() YearMonth {
	if ym.Month == 12 {
		return YearMonth{Year: ym.Year + 1, Month: 1}
	}
	return YearMonth{Year: ym.Year, Month: ym.Month + 1}
}

// Before reports whether ym is strictly earlier than other.
func (ym YearMonth) Before(other YearMonth) bool {
	if ym.Year != other.Year {
		return ym.Year < other.Year
	}
	return ym.Month < other.Month
}

// FirstDay returns midnight of the first day of the month in loc.
func (ym YearMonth) FirstDay(loc *time.Location) time.Time {
	return time.Date(ym.Year, time.Month(ym.Month), 1, 0, 0, 0, 0, loc)
}

// LastInstant returns the last second of the month in loc.
func (ym YearMonth) LastInstant(loc *time.Location) time.Time {
	return ym.Next().FirstDay(loc).Add(-time.Second)
}

// String formats as YYYY-MM.
func (ym YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", ym.Year, ym.Month)
}

// ParseYearMonth parses YYYY-MM (month may be unpadded).
func ParseYearMonth(s string) (YearMonth, error) {
	var ym YearMonth
	if _, err := fmt.Sscanf(s, "%d-%d", &ym.Year, &ym.Month); err != nil {
		return YearMonth{}, &ValidationError{Field: "year_month", Value: s, Message: "expected YYYY-MM"}
	}
	if ym.Month < 1 || ym.Month > 12 {
		return YearMonth{}, &ValidationError{Field: "year_month", Value: s, Message: "month out of range"}
	}
	return ym, nil
}

// ArchiveKey identifies one archive record: a station and a calendar month.
type ArchiveKey struct {
	StationID StationID
	YearMonth
}

// NewArchiveKey builds a key from its parts.
func NewArchiveKey(id StationID, year, month int) ArchiveKey {
	return ArchiveKey{StationID: id, YearMonth: YearMonth{Year: year, Month: month}}
}

// Validate checks the key against the archive grid as of now.
func (k ArchiveKey) Validate(now time.Time) error {
	if !k.StationID.Valid() {
		return &ValidationError{Field: "station_id", Value: string(k.StationID), Message: "invalid station id"}
	}
	if k.Year < FirstArchiveYear || k.Year > now.Year() {
		return &ValidationError{
			Field:   "year",
			Value:   fmt.Sprint(k.Year),
			Message: fmt.Sprintf("year must be between %d and %d", FirstArchiveYear, now.Year()),
		}
	}
	if k.Month < 1 || k.Month > 12 {
		return &ValidationError{Field: "month", Value: fmt.Sprint(k.Month), Message: "month must be between 1 and 12"}
	}
	return nil
}

// String formats as <station>/<year>-<month>.
func (k ArchiveKey) String() string {
	return fmt.Sprintf("%s/%d-%d", k.StationID, k.Year, k.Month)
}

// ArchiveHeader is the metadata carried by a stored archive record.
type ArchiveHeader struct {
	Key          ArchiveKey
	DownloadedAt time.Time
}
