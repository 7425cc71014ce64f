package report

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

const fileMode = 0644

// DatasetRates holds the detection rate of one dataset at every FP target.
type DatasetRates struct {
	Dataset  string    `json:"dataset" yaml:"dataset"`
	Detected []int     `json:"detected" yaml:"detected"`
	Total    int       `json:"total" yaml:"total"`
	Rates    []float64 `json:"rates" yaml:"rates"`
}

// CalibrationRow is one model of the per-model calibration report.
type CalibrationRow struct {
	Model      string         `json:"model" yaml:"model"`
	Targets    []float64      `json:"targets" yaml:"targets"`
	Thresholds []float64      `json:"thresholds" yaml:"thresholds"`
	Datasets   []DatasetRates `json:"datasets" yaml:"datasets"`
}

// CalibrationHeader renders the markdown header for the given targets and datasets.
func CalibrationHeader(targets []float64, datasets []string) string {
	cols := []string{"model"}
	for _, t := range targets {
		cols = append(cols, "t@"+fpLabel(t))
	}
	for _, d := range datasets {
		for _, t := range targets {
			cols = append(cols, d+"@"+fpLabel(t))
		}
	}
	sep := make([]string, len(cols))
	for i := range sep {
		sep[i] = "---"
	}
	return "| " + strings.Join(cols, " | ") + " |\n| " + strings.Join(sep, " | ") + " |\n"
}

// FormatCalibrationRow renders thresholds with 3 decimals and rates as
// percentages with 1 decimal.
func FormatCalibrationRow(r CalibrationRow) string {
	var b strings.Builder
	b.WriteString("| " + r.Model + " | ")
	for _, t := range r.Thresholds {
		b.WriteString(FormatThreshold(t) + " | ")
	}
	for _, d := range r.Datasets {
		for _, rate := range d.Rates {
			b.WriteString(FormatPercent(rate, 1) + " | ")
		}
	}
	s := strings.TrimRight(b.String(), " ")
	return s + "\n"
}

// WriteCalibration writes rows, preceded by a header when header is true.
func WriteCalibration(w io.Writer, rows []CalibrationRow, header bool) error {
	if header && len(rows) > 0 {
		names := make([]string, len(rows[0].Datasets))
		for i, d := range rows[0].Datasets {
			names[i] = d.Dataset
		}
		if _, err := io.WriteString(w, CalibrationHeader(rows[0].Targets, names)); err != nil {
			return errors.Wrap(err, "failed to write header")
		}
	}
	for _, r := range rows {
		if _, err := io.WriteString(w, FormatCalibrationRow(r)); err != nil {
			return errors.Wrapf(err, "failed to write row: %s", r.Model)
		}
	}
	return nil
}

// AppendCalibration appends rows to a shared markdown file, writing the
// header only when the file is new or empty.
func AppendCalibration(path string, rows []CalibrationRow) error {
	header := true
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		header = false
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, fileMode)
	if err != nil {
		return errors.Wrapf(err, "failed to open report: %s", path)
	}
	if err := WriteCalibration(f, rows, header); err != nil {
		f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "failed to close report: %s", path)
}

func fpLabel(fp float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", fp*100), "0"), ".") + "%"
}
