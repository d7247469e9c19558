package dataset

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Construct is one latent variable of the synthetic survey.
type Construct struct {
	Code  string
	Items int
}

// SurveyConstructs is the student satisfaction model: five drivers, the
// satisfaction outcome HL and loyalty TT.
var SurveyConstructs = []Construct{
	{Code: "CSVC", Items: 4},
	{Code: "GV", Items: 4},
	{Code: "CT", Items: 4},
	{Code: "NV", Items: 4},
	{Code: "HP", Items: 4},
	{Code: "HL", Items: 4},
	{Code: "TT", Items: 4},
}

const (
	DefaultRespondents = 150
	scaleMin           = 1
	scaleMax           = 5
	itemNoiseSD        = 0.6
)

type SurveyOptions struct {
	Respondents int
	Seed        uint64
}

// GenerateSurvey builds a Likert (1..5) dataset with a known structure:
// HL = 0.3 GV + 0.3 CT + 0.2 CSVC + 0.1 NV + 0.1 HP + N(0, 0.5),
// TT = 0.8 HL + N(0, 0.4), item = factor + N(0, 0.6) rounded and clamped.
// The same seed always yields the same dataset.
func GenerateSurvey(opts SurveyOptions) *Dataset {
	n := opts.Respondents
	if n <= 0 {
		n = DefaultRespondents
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	normal := func(mu, sd float64) float64 { return mu + sd*rng.NormFloat64() }

	cols := make([]Column, 0, 28)
	index := map[string][]int{}
	for _, c := range SurveyConstructs {
		for i := 1; i <= c.Items; i++ {
			index[c.Code] = append(index[c.Code], len(cols))
			cols = append(cols, Column{Name: fmt.Sprintf("%s%d", c.Code, i), Values: make([]float64, n)})
		}
	}

	for r := 0; r < n; r++ {
		f := map[string]float64{
			"CSVC": normal(3.5, 0.8),
			"GV":   normal(4.0, 0.7),
			"CT":   normal(3.8, 0.75),
			"NV":   normal(3.2, 0.9),
			"HP":   normal(3.0, 0.85),
		}
		f["HL"] = 0.3*f["GV"] + 0.3*f["CT"] + 0.2*f["CSVC"] + 0.1*f["NV"] + 0.1*f["HP"] + normal(0, 0.5)
		f["TT"] = 0.8*f["HL"] + normal(0, 0.4)
		for _, c := range SurveyConstructs {
			for _, ci := range index[c.Code] {
				v := math.Round(f[c.Code] + normal(0, itemNoiseSD))
				cols[ci].Values[r] = math.Max(scaleMin, math.Min(scaleMax, v))
			}
		}
	}
	return &Dataset{Columns: cols}
}
