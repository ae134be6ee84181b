package agent

import "strings"

// modelRate is USD per million tokens.
type modelRate struct {
	InputUSD  float64
	OutputUSD float64
}

// rates holds the published per-Mtok prices. Model strings are matched by
// family substring so dated snapshots ("claude-sonnet-4-20250514") price the
// same as their alias.
var rates = map[string]modelRate{
	"opus":   {InputUSD: 15, OutputUSD: 75},
	"sonnet": {InputUSD: 3, OutputUSD: 15},
	"haiku":  {InputUSD: 0.25, OutputUSD: 1.25},
}

// Cost prices a run from token counts. Unknown models cost zero; the budget
// guard still bounds them through the per-run estimate.
func Cost(model string, tokensInput, tokensOutput int) float64 {
	model = strings.ToLower(model)
	for family, r := range rates {
		if strings.Contains(model, family) {
			return float64(tokensInput)/1e6*r.InputUSD + float64(tokensOutput)/1e6*r.OutputUSD
		}
	}
	return 0
}
