package dataset

import "math"

// ColumnProfile summarizes one column for the profile stage.
type ColumnProfile struct {
	Name    string  `json:"name"`
	Count   int     `json:"count"`
	Missing int     `json:"missing"`
	Mean    float64 `json:"mean"`
	SD      float64 `json:"sd"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// Profile computes per-column counts and moments over non-missing cells. A
// column with no observed cells reports zero moments.
func Profile(d *Dataset) []ColumnProfile {
	out := make([]ColumnProfile, 0, len(d.Columns))
	for _, c := range d.Columns {
		p := ColumnProfile{Name: c.Name, Min: math.Inf(1), Max: math.Inf(-1)}
		var sum float64
		for _, v := range c.Values {
			if math.IsNaN(v) {
				p.Missing++
				continue
			}
			p.Count++
			sum += v
			p.Min = math.Min(p.Min, v)
			p.Max = math.Max(p.Max, v)
		}
		if p.Count == 0 {
			p.Min, p.Max = 0, 0
			out = append(out, p)
			continue
		}
		p.Mean = sum / float64(p.Count)
		if p.Count > 1 {
			var ss float64
			for _, v := range c.Values {
				if !math.IsNaN(v) {
					ss += (v - p.Mean) * (v - p.Mean)
				}
			}
			p.SD = math.Sqrt(ss / float64(p.Count-1))
		}
		out = append(out, p)
	}
	return out
}
