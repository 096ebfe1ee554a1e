package record

// Normalize unwraps list-wrapped metric values. The agent sometimes delivers
// a scalar as a single-element list; the first element is taken, and an
// empty list is treated as absent.
func Normalize(v any) any {
	switch x := v.(type) {
	case []any:
		if len(x) == 0 {
			return nil
		}
		return x[0]
	case []float64:
		if len(x) == 0 {
			return nil
		}
		return x[0]
	case []int64:
		if len(x) == 0 {
			return nil
		}
		return x[0]
	case []int:
		if len(x) == 0 {
			return nil
		}
		return x[0]
	case []string:
		if len(x) == 0 {
			return nil
		}
		return x[0]
	default:
		return v
	}
}
