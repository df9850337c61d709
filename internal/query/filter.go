package query

// Filter maps predicate names to their payloads, usually {"value": x} or {"min": a, "max": b}.
type Filter map[string]any

// Value wraps a scalar into the backend's predicate shape.
func Value(v any) map[string]any {
	return map[string]any{"value": v}
}

// Clone deep-copies the filter and any nested maps or slices.
func (f Filter) Clone() Filter {
	if f == nil {
		return nil
	}
	out := make(Filter, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

// Bool reads a {"value": bool} predicate.
func (f Filter) Bool(key string) (bool, bool) {
	payload, ok := f[key].(map[string]any)
	if !ok {
		return false, false
	}
	v, ok := payload["value"].(bool)
	return v, ok
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case Filter:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

// wireToInternal pairs the short URL parameter names with the backend's long names.
var wireToInternal = map[string]string{
	"fr":    "isForRent",
	"fsba":  "isForSaleByAgent",
	"fsbo":  "isForSaleByOwner",
	"nc":    "isNewConstruction",
	"fore":  "isForSaleForeclosure",
	"cmsn":  "isComingSoon",
	"auc":   "isAuction",
	"pmf":   "isPreMarketForeclosure",
	"pf":    "isPreMarketPreForeclosure",
	"rs":    "isRecentlySold",
	"ah":    "isAllHomes",
	"sort":  "sortSelection",
	"mp":    "monthlyPayment",
	"price": "price",
	"beds":  "beds",
	"baths": "baths",
	"sqft":  "sqft",
	"lot":   "lotSize",
	"built": "built",
	"doz":   "doz",
	"hoa":   "hoa",
	"park":  "parkingSpots",
	"sf":    "isSingleFamily",
	"con":   "isCondo",
	"tow":   "isTownhouse",
	"mf":    "isMultiFamily",
	"apa":   "isApartment",
	"manu":  "isManufactured",
	"land":  "isLotLand",
	"apco":  "isApartmentOrCondo",
}

var internalToWire = func() map[string]string {
	out := make(map[string]string, len(wireToInternal))
	for wire, internal := range wireToInternal {
		out[internal] = wire
	}
	return out
}()

// WireKeys returns the known short parameter names.
func WireKeys() []string {
	keys := make([]string, 0, len(wireToInternal))
	for k := range wireToInternal {
		keys = append(keys, k)
	}
	return keys
}

// InternalKeys returns the known long predicate names.
func InternalKeys() []string {
	keys := make([]string, 0, len(internalToWire))
	for k := range internalToWire {
		keys = append(keys, k)
	}
	return keys
}

// ToInternal renames short keys to long ones. Unknown keys pass through unchanged.
func ToInternal(f Filter) Filter {
	return rename(f, wireToInternal)
}

// ToWire renames long keys to short ones. Unknown keys pass through unchanged.
func ToWire(f Filter) Filter {
	return rename(f, internalToWire)
}

func rename(f Filter, table map[string]string) Filter {
	if f == nil {
		return nil
	}
	out := make(Filter, len(f))
	for k, v := range f {
		if mapped, ok := table[k]; ok {
			k = mapped
		}
		out[k] = cloneValue(v)
	}
	return out
}
