package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ReadCSV parses a header row followed by numeric rows. Empty cells and "NA"
// are missing.
func ReadCSV(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make([]Column, len(header))
	for i, h := range header {
		cols[i].Name = strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF"))
	}
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		for i := range cols {
			cell := strings.TrimSpace(rec[i])
			if cell == "" || strings.EqualFold(cell, "NA") {
				cols[i].Values = append(cols[i].Values, math.NaN())
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %q: %w", line, cols[i].Name, err)
			}
			cols[i].Values = append(cols[i].Values, v)
		}
	}
	return New(cols...)
}

// WriteCSV writes a header row and one row per observation. Missing cells are
// written empty; whole numbers are written without a decimal point.
func WriteCSV(w io.Writer, d *Dataset) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(d.Names()); err != nil {
		return err
	}
	row := make([]string, len(d.Columns))
	for r := 0; r < d.Rows(); r++ {
		for i, c := range d.Columns {
			v := c.Values[r]
			if math.IsNaN(v) {
				row[i] = ""
				continue
			}
			row[i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
