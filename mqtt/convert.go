package mqtt

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"ltalink/tagstore"
)

// MaxStringLength is the longest string the controller connector accepts.
const MaxStringLength = 255

// ConvertValue coerces an outbound value to the representation the connector
// expects for dataType. Values that cannot be coerced become the zero value of
// the type and an error is returned alongside so the caller can log it.
// Unknown data types pass through unchanged.
func ConvertValue(v interface{}, dataType string) (interface{}, error) {
	switch {
	case tagstore.IsInteger(dataType):
		n, ok := toInt64(v)
		if !ok {
			return int64(0), fmt.Errorf("%v is not an integer", v)
		}
		return n, nil

	case dataType == tagstore.TypeReal || dataType == tagstore.TypeLReal:
		f, ok := toFloat64(v)
		if !ok {
			return float64(0), fmt.Errorf("%v is not a number", v)
		}
		return f, nil

	case dataType == tagstore.TypeString:
		return PadString(toString(v)), nil

	case dataType == tagstore.TypeBool:
		return boolInt(v), nil
	}
	return v, nil
}

// PadString appends one space per extra UTF-8 byte so the connector's
// single-byte string buffer still holds the whole text, then caps the result.
func PadString(s string) string {
	extra := len(s) - utf8.RuneCountInString(s)
	if extra > 0 {
		s += strings.Repeat(" ", extra)
	}
	if utf8.RuneCountInString(s) > MaxStringLength {
		s = string([]rune(s)[:MaxStringLength])
	}
	return s
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int64(f), true
		}
		return 0, false
	}
	f, ok := toFloat64(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

func toFloat64(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	}
	return fmt.Sprint(v)
}

func boolInt(v interface{}) int {
	switch t := v.(type) {
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		if strings.EqualFold(t, "true") || t == "1" {
			return 1
		}
		return 0
	case nil:
		return 0
	}
	if f, ok := toFloat64(v); ok && f != 0 {
		return 1
	}
	return 0
}
