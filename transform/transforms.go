package transform

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind enumerates the transform catalog. The set is closed: dispatch is a
// switch over the tag, not a string-keyed registry, so an unknown transform
// type is rejected when the mapping is parsed rather than when a record
// flows through it.
type Kind string

const (
	KindDirect     Kind = "direct"
	KindUppercase  Kind = "uppercase"
	KindLowercase  Kind = "lowercase"
	KindTrim       Kind = "trim"
	KindSubstring  Kind = "substring"
	KindReplace    Kind = "replace"
	KindMultiply   Kind = "multiply"
	KindDivide     Kind = "divide"
	KindRound      Kind = "round"
	KindFloor      Kind = "floor"
	KindCeil       Kind = "ceil"
	KindDateFormat Kind = "date_format"
	KindEqualsY    Kind = "equals_y"
	KindLookup     Kind = "lookup"
)

type substringParams struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type replaceParams struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	Flags       string `json:"flags"`
}

type operandParams struct {
	Operand decimal.Decimal `json:"operand"`
}

type roundParams struct {
	Decimals int32 `json:"decimals"`
}

type dateFormatParams struct {
	Format string `json:"format"`
}

type lookupParams struct {
	Map map[string]any `json:"map"`
}

// Transform is one parsed catalog entry: the kind tag plus its decoded,
// validated parameters.
type Transform struct {
	Kind Kind

	substring  substringParams
	replace    *regexp.Regexp
	replaceTo  string
	operand    decimal.Decimal
	decimals   int32
	dateLayout string
	lookup     map[string]any
}

// Parse validates a mapping's transform type and parameters once, ahead of
// record flow.
func Parse(transformType string, paramsJSON []byte) (Transform, error) {
	kind := Kind(transformType)
	t := Transform{Kind: kind}
	switch kind {
	case KindDirect, KindUppercase, KindLowercase, KindTrim, KindFloor, KindCeil, KindEqualsY:
		return t, nil
	case KindSubstring:
		if err := decodeParams(paramsJSON, &t.substring); err != nil {
			return t, err
		}
		if t.substring.Start < 0 || t.substring.End < t.substring.Start {
			return t, fmt.Errorf("substring: invalid range [%d,%d)", t.substring.Start, t.substring.End)
		}
		return t, nil
	case KindReplace:
		var p replaceParams
		if err := decodeParams(paramsJSON, &p); err != nil {
			return t, err
		}
		pattern := p.Pattern
		if strings.Contains(p.Flags, "i") {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return t, fmt.Errorf("replace: %w", err)
		}
		t.replace = re
		t.replaceTo = p.Replacement
		return t, nil
	case KindMultiply, KindDivide:
		var p operandParams
		if err := decodeParams(paramsJSON, &p); err != nil {
			return t, err
		}
		if kind == KindDivide && p.Operand.IsZero() {
			return t, fmt.Errorf("divide: zero operand")
		}
		t.operand = p.Operand
		return t, nil
	case KindRound:
		var p roundParams
		if err := decodeParams(paramsJSON, &p); err != nil {
			return t, err
		}
		t.decimals = p.Decimals
		return t, nil
	case KindDateFormat:
		var p dateFormatParams
		if err := decodeParams(paramsJSON, &p); err != nil {
			return t, err
		}
		if p.Format == "" {
			return t, fmt.Errorf("date_format: format missing")
		}
		t.dateLayout = goLayout(p.Format)
		return t, nil
	case KindLookup:
		var p lookupParams
		if err := decodeParams(paramsJSON, &p); err != nil {
			return t, err
		}
		if len(p.Map) == 0 {
			return t, fmt.Errorf("lookup: map missing")
		}
		t.lookup = p.Map
		return t, nil
	}
	return t, fmt.Errorf("unknown transform type %q", transformType)
}

func decodeParams(data []byte, into any) error {
	if len(data) == 0 {
		return fmt.Errorf("transform params missing")
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("decode transform params: %w", err)
	}
	return nil
}

// Apply runs the transform over one field value. Transforms are pure: the
// input is never mutated and nil flows through untouched.
func (t Transform) Apply(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch t.Kind {
	case KindDirect:
		return value, nil
	case KindUppercase:
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil
	case KindLowercase:
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		return strings.ToLower(s), nil
	case KindTrim:
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(s), nil
	case KindSubstring:
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		runes := []rune(s)
		start, end := t.substring.Start, t.substring.End
		if start > len(runes) {
			return "", nil
		}
		if end > len(runes) {
			end = len(runes)
		}
		return string(runes[start:end]), nil
	case KindReplace:
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		return t.replace.ReplaceAllString(s, t.replaceTo), nil
	case KindMultiply:
		d, err := asDecimal(value)
		if err != nil {
			return nil, err
		}
		return t.operand.Mul(d), nil
	case KindDivide:
		d, err := asDecimal(value)
		if err != nil {
			return nil, err
		}
		return d.Div(t.operand), nil
	case KindRound:
		d, err := asDecimal(value)
		if err != nil {
			return nil, err
		}
		return d.Round(t.decimals), nil
	case KindFloor:
		d, err := asDecimal(value)
		if err != nil {
			return nil, err
		}
		return d.Floor(), nil
	case KindCeil:
		d, err := asDecimal(value)
		if err != nil {
			return nil, err
		}
		return d.Ceil(), nil
	case KindDateFormat:
		at, err := asTime(value)
		if err != nil {
			return nil, err
		}
		return at.Format(t.dateLayout), nil
	case KindEqualsY:
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		return strings.EqualFold(strings.TrimSpace(s), "y"), nil
	case KindLookup:
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		if mapped, ok := t.lookup[s]; ok {
			return mapped, nil
		}
		return value, nil
	}
	return nil, fmt.Errorf("unknown transform kind %q", t.Kind)
}

// goLayout converts the common YYYY/MM/DD style tokens to a Go time layout.
// Tokens are replaced longest-first so MM does not eat half of MMM.
func goLayout(format string) string {
	replacer := strings.NewReplacer(
		"YYYY", "2006",
		"YY", "06",
		"MMM", "Jan",
		"MM", "01",
		"DD", "02",
		"HH", "15",
		"mm", "04",
		"ss", "05",
	)
	return replacer.Replace(format)
}
