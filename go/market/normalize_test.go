package market

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeCondition(t *testing.T) {
	var cases = map[string]string{
		"Near Mint":       "Near Mint",
		"NM":              "Near Mint",
		"near mint":       "Near Mint",
		"NEAR MINT":       "Near Mint",
		"Lightly Played":  "Slightly Played",
		"SP":              "Slightly Played",
		"MP":              "Moderately Played",
		"HP":              "Heavily Played",
		"PL":              "Played",
		"PO":              "Poor",
		"Damaged":         "Poor",
		"mint":            "Mint",
		" Played ":        "Played",
		"Pristine":        "",
		"":                "",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeCondition(in), "input %q", in)
	}
}

func TestNormalizePropertiesStripsProtectedKeys(t *testing.T) {
	var out = NormalizeProperties(map[string]interface{}{
		"condition":        "NM",
		"mtg_rarity":       "Rare",       // read-only
		"collector_number": "123",        // read-only
		"price":            9.99,         // top-level
		"quantity":         4,            // top-level
		"id":               77,           // top-level
		"mtg_language":     "English",
		"custom_note":      "signed by artist",
	})

	require.Equal(t, map[string]interface{}{
		"condition":    "Near Mint",
		"mtg_language": "en",
		"custom_note":  "signed by artist",
	}, out)
}

func TestNormalizePropertiesBooleans(t *testing.T) {
	var out = NormalizeProperties(map[string]interface{}{
		"mtg_foil": false,
		"signed":   false,
		"altered":  "yes",
	})
	// mtg_foil is omitted when false; signed and altered always travel.
	require.NotContains(t, out, "mtg_foil")
	require.Equal(t, false, out["signed"])
	require.Equal(t, true, out["altered"])

	out = NormalizeProperties(map[string]interface{}{"mtg_foil": "1"})
	require.Equal(t, true, out["mtg_foil"])
}

func TestNormalizePropertiesDropsInvalidCondition(t *testing.T) {
	var out = NormalizeProperties(map[string]interface{}{
		"condition": "Beat Up",
		"signed":    true,
	})
	require.NotContains(t, out, "condition")
	require.Equal(t, true, out["signed"])
}

func TestItemUpdatePayload(t *testing.T) {
	var userData = "box-3"
	var graded = false
	var p = ItemUpdate{
		ProductID:   555,
		PriceCents:  1250,
		Quantity:    3,
		Description: "lightly scuffed",
		UserData:    &userData,
		Graded:      &graded,
		Properties: map[string]interface{}{
			"condition":    "HP",
			"mtg_language": "IT",
			"mtg_foil":     true,
		},
	}.Payload()

	require.Equal(t, int64(555), p["id"])
	require.Equal(t, 12.5, p["price"])
	require.Equal(t, 3, p["quantity"])
	require.Equal(t, "lightly scuffed", p["description"])
	require.Equal(t, "box-3", p["user_data_field"])
	require.Equal(t, false, p["graded"])
	require.Equal(t, map[string]interface{}{
		"condition":    "Heavily Played",
		"mtg_language": "it",
		"mtg_foil":     true,
	}, p["properties"])
}

func TestItemUpdatePayloadOmitsEmptyOptionals(t *testing.T) {
	var p = ItemUpdate{ProductID: 1, PriceCents: 100, Quantity: 1}.Payload()
	require.NotContains(t, p, "description")
	require.NotContains(t, p, "user_data_field")
	require.NotContains(t, p, "graded")
	require.NotContains(t, p, "properties")
}
