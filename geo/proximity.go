// Package geo holds the pure distance, travel-time and timezone-label helpers used to enrich local units.
package geo

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

const (
	EarthRadiusKm      = 6371.0
	RoadFactor         = 1.37
	AverageSpeedKmh    = 28.0
	TravelOverheadMins = 10.0
)

type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type Proximity struct {
	AirKm      float64 `json:"airKm"`
	RoadKm     float64 `json:"roadKm"`
	Minutes    int     `json:"minutes"`
	TravelTime string  `json:"travelTime"`
}

// HaversineKm is the great-circle distance between a and b.
func HaversineKm(a, b Point) float64 {
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Latitude*math.Pi/180)*math.Cos(b.Latitude*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// TravelMinutes estimates door-to-door minutes for a road distance.
func TravelMinutes(roadKm float64) int {
	return int(math.Round(roadKm/AverageSpeedKmh*60 + TravelOverheadMins))
}

// FormatTravelTime renders minutes as "X min" below an hour and "Xh Ym" from an hour up.
func FormatTravelTime(minutes int) string {
	if minutes >= 60 {
		return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
	}
	return fmt.Sprintf("%d min", minutes)
}

// Compute derives air distance, road distance and travel time from ref to p.
func Compute(ref, p Point) Proximity {
	air := HaversineKm(ref, p)
	road := air * RoadFactor
	minutes := TravelMinutes(road)
	return Proximity{
		AirKm:      air,
		RoadKm:     road,
		Minutes:    minutes,
		TravelTime: FormatTravelTime(minutes),
	}
}

func (p Proximity) AirDistance() decimal.Decimal {
	return decimal.NewFromFloat(p.AirKm).Round(2)
}

func (p Proximity) RoadDistance() decimal.Decimal {
	return decimal.NewFromFloat(p.RoadKm).Round(2)
}

// ValidPoint rejects out-of-range coordinates and the 0,0 placeholder scraped pages use for "unknown".
func ValidPoint(p Point) bool {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) {
		return false
	}
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return false
	}
	return !(p.Latitude == 0 && p.Longitude == 0)
}
