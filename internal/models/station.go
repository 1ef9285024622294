package models

import (
	"strings"
	"time"
)

// StationID is the JMA identifier of an observation point. The first
// character is the station class, the remainder the block number.
type StationID string

// Station classes.
const (
	ClassSynoptic = "s" // staffed observatory
	ClassAmedas   = "a" // automated AMeDAS point
)

// Class returns the station class prefix.
func (id StationID) Class() string {
	if id == "" {
		return ""
	}
	return string(id[:1])
}

// BlockNo returns the identifier without its class prefix.
func (id StationID) BlockNo() string {
	if len(id) < 2 {
		return ""
	}
	return string(id[1:])
}

// Valid reports whether id carries a known class and a block number.
func (id StationID) Valid() bool {
	c := id.Class()
	return (c == ClassSynoptic || c == ClassAmedas) && id.BlockNo() != "" && !strings.ContainsAny(string(id), "/\\. ")
}

// Station represents a ground observation station from the catalog
type Station struct {
	ID         StationID `json:"station_id" db:"station_id"`
	Name       string    `json:"name" db:"name"`
	Latitude   float64   `json:"lat" db:"latitude"`
	Longitude  float64   `json:"lon" db:"longitude"`
	Prefecture string    `json:"prefecture,omitempty" db:"prefecture"`
	UpdatedAt  time.Time `json:"-" db:"updated_at"`
}
