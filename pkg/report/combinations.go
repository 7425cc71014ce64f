package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/mchmarny/kipple/pkg/portfolio"
	"github.com/pkg/errors"
)

// CombinationOptions shape the combination report.
type CombinationOptions struct {
	// Fixed marks slots whose model never varies; their model column is omitted.
	Fixed []bool
	// Datasets name the rate columns, in result order.
	Datasets []string
	// RateDecimals is 0 for whole percent or 1 for one decimal.
	RateDecimals int
}

// CombinationHeader returns the column names: the model of every non-fixed
// slot, the threshold of every slot, then one rate per dataset.
func CombinationHeader(slots int, o CombinationOptions) []string {
	var h []string
	for i := 0; i < slots; i++ {
		if !isFixed(o.Fixed, i) {
			h = append(h, fmt.Sprintf("slot_%d", i))
		}
	}
	for i := 0; i < slots; i++ {
		h = append(h, fmt.Sprintf("slot_%d_cutoff", i))
	}
	return append(h, o.Datasets...)
}

// CombinationRow renders one result.
func CombinationRow(r portfolio.Result, o CombinationOptions) []string {
	var row []string
	for i, s := range r.Assignment.Slots {
		if !isFixed(o.Fixed, i) {
			row = append(row, s.Model)
		}
	}
	for _, s := range r.Assignment.Slots {
		row = append(row, FormatThreshold(s.Threshold))
	}
	for _, d := range r.Datasets {
		row = append(row, FormatPercent(d.Rate(), o.RateDecimals))
	}
	return row
}

// WriteCombinations writes the header and one row per result as CSV.
func WriteCombinations(w io.Writer, results []portfolio.Result, slots int, o CombinationOptions) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CombinationHeader(slots, o)); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	for _, r := range results {
		if err := cw.Write(CombinationRow(r, o)); err != nil {
			return errors.Wrapf(err, "failed to write row %d", r.Seq)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "failed to flush combinations")
}

// SaveCombinations writes the CSV report to path, replacing any previous file.
func SaveCombinations(path string, results []portfolio.Result, slots int, o CombinationOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create report: %s", path)
	}
	if err := WriteCombinations(f, results, slots, o); err != nil {
		f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "failed to close report: %s", path)
}

func isFixed(fixed []bool, i int) bool {
	return i < len(fixed) && fixed[i]
}
