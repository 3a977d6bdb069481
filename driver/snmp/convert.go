package snmp

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Convert coerces a sample into a holding register value.
//
// Integers below zero become 0 and integers above 65535 become 65535; the
// second return value reports that the sample was clamped. Floating point
// values are rounded first. Octet strings are accepted when their text is a
// decimal number. Anything else fails with ErrValueConversion.
func Convert(s Sample) (uint16, bool, error) {
	switch v := s.Value.(type) {
	case int:
		return clampInt(int64(v))
	case int8:
		return clampInt(int64(v))
	case int16:
		return clampInt(int64(v))
	case int32:
		return clampInt(int64(v))
	case int64:
		return clampInt(v)
	case uint:
		return clampUint(uint64(v))
	case uint8:
		return clampUint(uint64(v))
	case uint16:
		return v, false, nil
	case uint32:
		return clampUint(uint64(v))
	case uint64:
		return clampUint(v)
	case float32:
		return clampFloat(s.OID, float64(v))
	case float64:
		return clampFloat(s.OID, v)
	case []byte:
		return parseText(s.OID, string(v))
	case string:
		return parseText(s.OID, v)
	default:
		return 0, false, fmt.Errorf("%w: %s has type %v (%T)", ErrValueConversion, s.OID, s.Type, s.Value)
	}
}

func clampInt(v int64) (uint16, bool, error) {
	switch {
	case v < 0:
		return 0, true, nil
	case v > math.MaxUint16:
		return math.MaxUint16, true, nil
	}
	return uint16(v), false, nil
}

func clampUint(v uint64) (uint16, bool, error) {
	if v > math.MaxUint16 {
		return math.MaxUint16, true, nil
	}
	return uint16(v), false, nil
}

func clampFloat(oid string, v float64) (uint16, bool, error) {
	if math.IsNaN(v) {
		return 0, false, fmt.Errorf("%w: %s is NaN", ErrValueConversion, oid)
	}
	v = math.Round(v)
	switch {
	case v < 0:
		return 0, true, nil
	case v > math.MaxUint16:
		return math.MaxUint16, true, nil
	}
	return uint16(v), false, nil
}

func parseText(oid, text string) (uint16, bool, error) {
	text = strings.TrimSpace(text)
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return clampInt(i)
	}
	if u, err := strconv.ParseUint(text, 10, 64); err == nil {
		return clampUint(u)
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s returned %q", ErrValueConversion, oid, text)
	}
	return clampFloat(oid, f)
}
