package db

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/sortbin/internal/material"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/floats"
)

// depositSeries lays the counts out in compartment order, including
// compartments with no deposits.
func depositSeries(counts []CategoryCount) (labels []string, ok, failed []float64) {
	byCategory := make(map[string]CategoryCount, len(counts))
	for _, c := range counts {
		byCategory[c.Category] = c
	}
	for _, cat := range material.Categories {
		c := byCategory[cat.String()]
		labels = append(labels, cat.DisplayName())
		ok = append(ok, float64(c.Succeeded))
		failed = append(failed, float64(c.Failed))
	}
	return labels, ok, failed
}

func barData(values []float64) []opts.BarData {
	out := make([]opts.BarData, len(values))
	for i, v := range values {
		out[i] = opts.BarData{Value: v}
	}
	return out
}

// handleDepositChart renders a bar chart of deposit attempts per
// compartment over the last ?hours= hours (default 24).
func (db *DB) handleDepositChart(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h <= 0 {
			http.Error(w, "hours must be a positive integer", http.StatusBadRequest)
			return
		}
		hours = h
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	counts, err := db.DepositCounts(r.Context(), since)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	labels, ok, failed := depositSeries(counts)
	succeeded, total := floats.Sum(ok), floats.Sum(ok)+floats.Sum(failed)
	subtitle := fmt.Sprintf("last %dh, no deposits", hours)
	if total > 0 {
		subtitle = fmt.Sprintf("last %dh, %.0f attempts, %.1f%% routed", hours, total, 100*succeeded/total)
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sortbin deposits", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Deposits per compartment", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(labels).
		AddSeries("routed", barData(ok), charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"})).
		AddSeries("failed", barData(failed), charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))

	page := components.NewPage()
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
