package market

import "strings"

// Canonical condition values accepted by the marketplace.
var validConditions = map[string]struct{}{
	"Mint":              {},
	"Near Mint":         {},
	"Slightly Played":   {},
	"Moderately Played": {},
	"Played":            {},
	"Heavily Played":    {},
	"Poor":              {},
}

// conditionAliases maps common abbreviations and variants onto canonical
// values. Case variants are handled separately by a case-insensitive pass.
var conditionAliases = map[string]string{
	"Lightly Played": "Slightly Played",
	"Damaged":        "Poor",
	"NM":             "Near Mint",
	"SP":             "Slightly Played",
	"MP":             "Moderately Played",
	"HP":             "Heavily Played",
	"PL":             "Played",
	"PO":             "Poor",
}

// readOnlyProperties are catalog-derived and rejected by the marketplace
// when written.
var readOnlyProperties = map[string]struct{}{
	"mtg_card_colors":  {},
	"collector_number": {},
	"tournament_legal": {},
	"cmc":              {},
	"mtg_rarity":       {},
}

// topLevelFields belong on the product payload itself, never inside its
// properties object.
var topLevelFields = map[string]struct{}{
	"price":           {},
	"quantity":        {},
	"id":              {},
	"graded":          {},
	"description":     {},
	"user_data_field": {},
}

// NormalizeCondition maps a free-form condition string onto a canonical
// marketplace value. Unknown conditions normalize to "", meaning drop.
func NormalizeCondition(condition string) string {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return ""
	}
	if _, ok := validConditions[condition]; ok {
		return condition
	}
	if mapped, ok := conditionAliases[condition]; ok {
		return mapped
	}
	for valid := range validConditions {
		if strings.EqualFold(valid, condition) {
			return valid
		}
	}
	return ""
}

// NormalizeProperties prepares a properties map for an outgoing write:
// top-level and read-only keys are stripped, conditions canonicalized,
// booleans coerced, and languages reduced to lowercase two-letter codes.
// mtg_foil appears only when true; signed and altered are always carried,
// true or false.
func NormalizeProperties(properties map[string]interface{}) map[string]interface{} {
	if len(properties) == 0 {
		return nil
	}
	var out = make(map[string]interface{})
	for key, value := range properties {
		if _, ok := topLevelFields[key]; ok {
			continue
		}
		if _, ok := readOnlyProperties[key]; ok {
			continue
		}
		switch key {
		case "condition":
			var s, _ = value.(string)
			if canonical := NormalizeCondition(s); canonical != "" {
				out[key] = canonical
			}
		case "mtg_foil":
			if asBool(value) {
				out[key] = true
			}
		case "signed", "altered":
			out[key] = asBool(value)
		case "mtg_language":
			var s, _ = value.(string)
			s = strings.TrimSpace(s)
			if len(s) >= 2 {
				out[key] = strings.ToLower(s[:2])
			}
		default:
			if value != nil {
				out[key] = value
			}
		}
	}
	return out
}

func asBool(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "true", "1", "yes", "on":
			return true
		}
		return false
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	}
	return value != nil
}

// ItemUpdate is the marketplace-facing projection of a local inventory row.
type ItemUpdate struct {
	ProductID   int64
	PriceCents  int64
	Quantity    int
	Description string
	UserData    *string
	Graded      *bool
	Properties  map[string]interface{}
}

// Payload renders the update as the marketplace bulk_update product object.
// Prices cross the wire in currency units, quantities and ids as-is, and
// properties pass through NormalizeProperties.
func (u ItemUpdate) Payload() map[string]interface{} {
	var p = map[string]interface{}{
		"id":       u.ProductID,
		"price":    float64(u.PriceCents) / 100.0,
		"quantity": u.Quantity,
	}
	if u.Description != "" {
		p["description"] = u.Description
	}
	if u.UserData != nil {
		p["user_data_field"] = *u.UserData
	}
	if u.Graded != nil {
		p["graded"] = *u.Graded
	}
	if props := NormalizeProperties(u.Properties); len(props) > 0 {
		p["properties"] = props
	}
	return p
}
