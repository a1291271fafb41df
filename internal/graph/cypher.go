package graph

import (
	"fmt"
	"sort"
	"strings"
)

// matchNodes builds a MATCH over label with one equality predicate per
// filter key. Keys are emitted in sorted order so queries are stable.
func matchNodes(label string, filter map[string]any) (string, map[string]any, error) {
	if err := ValidateIdentifier("label", label); err != nil {
		return "", nil, err
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		if err := ValidateIdentifier("property", k); err != nil {
			return "", nil, err
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	params := make(map[string]any, len(keys))
	preds := make([]string, 0, len(keys))
	for i, k := range keys {
		p := fmt.Sprintf("p%d", i)
		preds = append(preds, fmt.Sprintf("n.%s = $%s", k, p))
		params[p] = filter[k]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MATCH (n:%s)", label)
	if len(preds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(preds, " AND "))
	}
	b.WriteString(" RETURN n")
	return b.String(), params, nil
}

func validateProps(props map[string]any) error {
	for k := range props {
		if err := ValidateIdentifier("property", k); err != nil {
			return err
		}
	}
	return nil
}
