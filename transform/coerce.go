package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eutimioliusbel/pfamirror/models"
)

// Coerce converts a transformed value to the mapping's declared type.
// Numeric strings parse, boolean-like strings parse, ISO strings parse to
// dates (normalized to RFC3339), JSON strings parse to structured values.
func Coerce(value any, dataType string) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch dataType {
	case models.DataTypeString:
		return asString(value)
	case models.DataTypeNumber:
		d, err := asDecimal(value)
		if err != nil {
			return nil, err
		}
		f, _ := d.Float64()
		return f, nil
	case models.DataTypeBoolean:
		return asBool(value)
	case models.DataTypeDate:
		at, err := asTime(value)
		if err != nil {
			return nil, err
		}
		return at.UTC().Format(time.RFC3339), nil
	case models.DataTypeJSON:
		if s, ok := value.(string); ok {
			var parsed any
			if err := json.Unmarshal([]byte(s), &parsed); err != nil {
				return nil, fmt.Errorf("coerce json: %w", err)
			}
			return parsed, nil
		}
		return value, nil
	}
	return nil, fmt.Errorf("unknown data type %q", dataType)
}

func asString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return decimal.NewFromFloat(v).String(), nil
	case json.Number:
		return v.String(), nil
	case decimal.Decimal:
		return v.String(), nil
	}
	return "", fmt.Errorf("cannot treat %T as string", value)
}

func asDecimal(value any) (decimal.Decimal, error) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("cannot parse %q as number", v)
		}
		return d, nil
	}
	return decimal.Decimal{}, fmt.Errorf("cannot treat %T as number", value)
}

func asBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "y", "1":
			return true, nil
		case "false", "no", "n", "0", "":
			return false, nil
		}
		return false, fmt.Errorf("cannot parse %q as boolean", v)
	case float64:
		return v != 0, nil
	}
	return false, fmt.Errorf("cannot treat %T as boolean", value)
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

func asTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range timeLayouts {
			if at, err := time.Parse(layout, s); err == nil {
				return at, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as date", v)
	case float64:
		// Unix seconds; PEMS mixes epoch and ISO timestamps across endpoints.
		return time.Unix(int64(v), 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot treat %T as date", value)
}
