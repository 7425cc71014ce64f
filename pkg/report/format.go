// Package report renders calibration and portfolio results as tables.
package report

import (
	"math"
	"strconv"
)

// FormatThreshold rounds a threshold to 3 decimals.
func FormatThreshold(v float64) string {
	if math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strconv.FormatFloat(math.Round(v*1000)/1000, 'f', -1, 64)
}

// FormatPercent renders rate*100 with the given number of decimals.
func FormatPercent(rate float64, decimals int) string {
	if decimals < 0 {
		decimals = 0
	}
	scale := math.Pow(10, float64(decimals))
	return strconv.FormatFloat(math.Round(rate*100*scale)/scale, 'f', decimals, 64)
}
