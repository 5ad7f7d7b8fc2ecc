package fhirpath

import (
	"context"
	"fmt"

	"github.com/cockroachdb/apd/v3"
	"github.com/iimos/ucum"
	"github.com/iimos/ucum/ucumapd"
)

// calendarUnits maps the calendar keywords of variable length to the mean
// UCUM durations they convert through. Definite keywords like day are mapped
// by canonicalUnit already.
var calendarUnits = map[string]string{
	"year":  "a",
	"month": "mo",
}

func ucumUnit(unit string) string {
	if u, ok := calendarUnits[unit]; ok {
		return u
	}
	return unit
}

// unitsCompatible reports whether values can be converted between both units.
func unitsCompatible(from, to string) bool {
	if from == to {
		return true
	}
	f, err := ucum.Parse([]byte(ucumUnit(from)))
	if err != nil {
		return false
	}
	t, err := ucum.Parse([]byte(ucumUnit(to)))
	if err != nil {
		return false
	}
	_, err = ucum.NewPairConverter(f, t)
	return err == nil
}

// convertUnit converts value between two canonical units.
func convertUnit(ctx context.Context, value *apd.Decimal, from, to string) (*apd.Decimal, error) {
	if from == to {
		return value, nil
	}
	res, err := ucumapd.ConvDecimal(value, ucumUnit(from), ucumUnit(to), apdContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("can not convert '%s' to '%s': %w", from, to, err)
	}
	res.Reduce(res)
	return res, nil
}
