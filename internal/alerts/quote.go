package alerts

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// QuoteSource is implemented by typed quote results.
type QuoteSource interface {
	QuotePrice() float64
	QuoteChangePercent() float64
}

var (
	priceKeys  = []string{"price", "current", "last"}
	changeKeys = []string{"changes_percentage", "changesPercentage", "change_percent", "changePercent"}
)

// extractQuote reads price and change percent from a dispatch result. Typed
// quotes, JSON-shaped maps and single-element lists are accepted.
func extractQuote(result any) (Quote, error) {
	switch v := result.(type) {
	case QuoteSource:
		return Quote{Price: v.QuotePrice(), ChangePercent: v.QuoteChangePercent()}, nil
	case map[string]any:
		price, ok := firstNumber(v, priceKeys)
		if !ok {
			return Quote{}, fmt.Errorf("quote result has no price")
		}
		change, _ := firstNumber(v, changeKeys)
		return Quote{Price: price, ChangePercent: change}, nil
	case []any:
		if len(v) == 0 {
			return Quote{}, fmt.Errorf("quote result is empty")
		}
		return extractQuote(v[0])
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return Quote{}, fmt.Errorf("failed to decode quote: %w", err)
		}
		return extractQuote(decoded)
	case nil:
		return Quote{}, fmt.Errorf("quote result is empty")
	default:
		// Fall back to a JSON round trip for other struct shapes.
		data, err := json.Marshal(v)
		if err != nil {
			return Quote{}, fmt.Errorf("unsupported quote result %T", result)
		}
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return Quote{}, fmt.Errorf("unsupported quote result %T", result)
		}
		return extractQuote(decoded)
	}
}

func firstNumber(m map[string]any, keys []string) (float64, bool) {
	for _, k := range keys {
		switch n := m[k].(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, true
			}
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
