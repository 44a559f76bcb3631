package metrics

import (
	"fmt"
	"io"
	"maps"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ContentType is the Prometheus text exposition content type this
// registry renders.
const ContentType = "text/plain; version=0.0.4"

// WriteTo renders the registry's current state in Prometheus text
// exposition format. It takes a consistent snapshot of each series under
// its own lock but does not hold a single registry-wide lock across the
// whole render, so scraping never blocks concurrent increments for more
// than a single series copy.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	r.mu.RLock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make(map[string]kindAndHelp, len(r.defs))
	for k, v := range r.defs {
		defs[k] = v
	}
	ctrs := make(map[string]map[string]*counterSeries, len(r.ctrs))
	for k, m := range r.ctrs {
		ctrs[k] = maps.Clone(m)
	}
	gauges := make(map[string]map[string]*gaugeSeries, len(r.gauge))
	for k, m := range r.gauge {
		gauges[k] = maps.Clone(m)
	}
	hists := make(map[string]map[string]*histogramSeries, len(r.hist))
	for k, m := range r.hist {
		hists[k] = maps.Clone(m)
	}
	r.mu.RUnlock()

	var b strings.Builder
	var total int64
	for _, name := range names {
		def := defs[name]
		fmt.Fprintf(&b, "# HELP %s %s\n", name, helpOrDefault(def.help, name))
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, def.kind.String())

		switch def.kind {
		case kindCounter:
			r.writeCounter(&b, name, ctrs[name])
		case kindGauge:
			r.writeGauge(&b, name, gauges[name])
		case kindHistogram:
			r.writeHistogram(&b, name, hists[name])
		}
	}

	n, err := io.WriteString(w, b.String())
	total += int64(n)
	return total, err
}

func helpOrDefault(help, name string) string {
	if help != "" {
		return help
	}
	return name
}

func (r *Registry) writeCounter(b *strings.Builder, name string, series map[string]*counterSeries) {
	fps := sortedKeys(series)
	for _, fp := range fps {
		s := series[fp]
		v := math.Float64frombits(s.value.Load())
		fmt.Fprintf(b, "%s%s %s\n", name, r.labelString(s.labels), formatFloat(v))
	}
}

func (r *Registry) writeGauge(b *strings.Builder, name string, series map[string]*gaugeSeries) {
	fps := sortedKeys(series)
	for _, fp := range fps {
		s := series[fp]
		s.mu.Lock()
		v := s.value
		s.mu.Unlock()
		fmt.Fprintf(b, "%s%s %s\n", name, r.labelString(s.labels), formatFloat(v))
	}
}

func (r *Registry) writeHistogram(b *strings.Builder, name string, series map[string]*histogramSeries) {
	fps := sortedKeys(series)
	for _, fp := range fps {
		s := series[fp]
		s.mu.Lock()
		buckets := append([]float64(nil), s.buckets...)
		counts := append([]uint64(nil), s.counts...)
		sum := s.sum
		count := s.count
		labels := s.labels
		s.mu.Unlock()

		for i, boundary := range buckets {
			leLabels := mergeLabel(labels, "le", formatFloat(boundary))
			fmt.Fprintf(b, "%s_bucket%s %d\n", name, r.labelString(leLabels), counts[i])
		}
		infLabels := mergeLabel(labels, "le", "+Inf")
		fmt.Fprintf(b, "%s_bucket%s %d\n", name, r.labelString(infLabels), count)
		fmt.Fprintf(b, "%s_sum%s %s\n", name, r.labelString(labels), formatFloat(sum))
		fmt.Fprintf(b, "%s_count%s %d\n", name, r.labelString(labels), count)
	}
}

// labelString renders {k="v",...} merging the registry's default labels
// with the series' own, series labels winning on conflict.
func (r *Registry) labelString(labels Labels) string {
	merged := make(Labels, len(r.defaultLabels)+len(labels))
	for k, v := range r.defaultLabels {
		merged[k] = v
	}
	for k, v := range labels {
		merged[k] = v
	}
	if len(merged) == 0 {
		return ""
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, merged[k])
	}
	b.WriteByte('}')
	return b.String()
}

func mergeLabel(labels Labels, key, value string) Labels {
	out := make(Labels, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[key] = value
	return out
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
