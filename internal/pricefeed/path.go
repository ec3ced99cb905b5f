package pricefeed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// lookup 按点分路径（如 "mids.ETH"、"data.0.px"）定位节点
func lookup(doc any, path string) (any, error) {
	cur := doc
	if path == "" {
		return cur, nil
	}
	for _, key := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[key]
			if !ok {
				return nil, fmt.Errorf("path %q: key %q not found", path, key)
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("path %q: bad index %q", path, key)
			}
			cur = node[i]
		default:
			return nil, fmt.Errorf("path %q: cannot descend into %T", path, cur)
		}
	}
	return cur, nil
}

// Extract 按路径取出数值。支持 json.Number、数字字符串与 float64。
func Extract(doc any, path string) (decimal.Decimal, error) {
	cur, err := lookup(doc, path)
	if err != nil {
		return decimal.Zero, err
	}
	switch v := cur.(type) {
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	default:
		return decimal.Zero, fmt.Errorf("path %q: value %v is not a number", path, cur)
	}
}
