package model

import (
	"math"
	"time"
)

const msPerDay = 86_400_000

// SCDateTimeEpoch is day zero of SierraChart's date encoding.
var SCDateTimeEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// FromSCDateTime decodes days-since-epoch plus fractional day. The integer
// part is added as whole days, the fraction as milliseconds of a day rounded
// to the nearest millisecond.
func FromSCDateTime(v float64) time.Time {
	days := math.Floor(v)
	ms := math.Round((v - days) * msPerDay)
	return SCDateTimeEpoch.AddDate(0, 0, int(days)).Add(time.Duration(ms) * time.Millisecond)
}

// FromSCDate decodes only the whole-day part, as used by daily records.
func FromSCDate(v float64) time.Time {
	return SCDateTimeEpoch.AddDate(0, 0, int(math.Floor(v)))
}

// ToSCDateTime encodes t with millisecond resolution.
func ToSCDateTime(t time.Time) float64 {
	return float64(t.Sub(SCDateTimeEpoch).Milliseconds()) / msPerDay
}
