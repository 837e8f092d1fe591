package dispatch

// Truthy reports whether a loosely typed bus value means "on".
// Only boolean true, numeric 1 and the string "1" qualify.
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "1"
	case float64:
		return t == 1
	case float32:
		return t == 1
	case int:
		return t == 1
	case int8:
		return t == 1
	case int16:
		return t == 1
	case int32:
		return t == 1
	case int64:
		return t == 1
	case uint:
		return t == 1
	case uint8:
		return t == 1
	case uint16:
		return t == 1
	case uint32:
		return t == 1
	case uint64:
		return t == 1
	}
	return false
}
