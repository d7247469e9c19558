// Package dataset holds the in-memory tabular data that procedures run on.
// Missing cells are NaN in memory and null on the wire.
package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

type Column struct {
	Name   string
	Values []float64
}

// Dataset is an ordered set of equal-length numeric columns.
type Dataset struct {
	Columns []Column
}

func New(cols ...Column) (*Dataset, error) {
	ds := &Dataset{Columns: cols}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

func (d *Dataset) Validate() error {
	if d == nil || len(d.Columns) == 0 {
		return fmt.Errorf("dataset has no columns")
	}
	seen := map[string]bool{}
	rows := len(d.Columns[0].Values)
	for i, c := range d.Columns {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return fmt.Errorf("column %d has no name", i)
		}
		if seen[name] {
			return fmt.Errorf("duplicate column %q", name)
		}
		seen[name] = true
		if len(c.Values) != rows {
			return fmt.Errorf("column %q has %d values, want %d", name, len(c.Values), rows)
		}
	}
	return nil
}

func (d *Dataset) Rows() int {
	if d == nil || len(d.Columns) == 0 {
		return 0
	}
	return len(d.Columns[0].Values)
}

// Names returns column names in dataset order.
func (d *Dataset) Names() []string {
	if d == nil {
		return nil
	}
	out := make([]string, 0, len(d.Columns))
	for _, c := range d.Columns {
		out = append(out, c.Name)
	}
	return out
}

func (d *Dataset) Column(name string) (Column, bool) {
	if d == nil {
		return Column{}, false
	}
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Select returns a dataset holding the named columns in the given order. The
// column slices are shared with d.
func (d *Dataset) Select(names []string) (*Dataset, error) {
	out := &Dataset{Columns: make([]Column, 0, len(names))}
	for _, n := range names {
		c, ok := d.Column(n)
		if !ok {
			return nil, fmt.Errorf("unknown column %q", n)
		}
		out.Columns = append(out.Columns, c)
	}
	return out, nil
}

type wireColumn struct {
	Name   string     `json:"name"`
	Values []*float64 `json:"values"`
}

type wireDataset struct {
	Columns []wireColumn `json:"columns"`
}

func (d *Dataset) MarshalJSON() ([]byte, error) {
	w := wireDataset{Columns: make([]wireColumn, 0, len(d.Columns))}
	for _, c := range d.Columns {
		vals := make([]*float64, len(c.Values))
		for i, v := range c.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			v := v
			vals[i] = &v
		}
		w.Columns = append(w.Columns, wireColumn{Name: c.Name, Values: vals})
	}
	return json.Marshal(w)
}

func (d *Dataset) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var w wireDataset
	if err := dec.Decode(&w); err != nil {
		return err
	}
	cols := make([]Column, 0, len(w.Columns))
	for _, wc := range w.Columns {
		vals := make([]float64, len(wc.Values))
		for i, p := range wc.Values {
			if p == nil {
				vals[i] = math.NaN()
				continue
			}
			vals[i] = *p
		}
		cols = append(cols, Column{Name: strings.TrimSpace(wc.Name), Values: vals})
	}
	d.Columns = cols
	return d.Validate()
}
