package otel

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Point is one collected metric series, flattened for the operator API.
type Point struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      float64           `json:"value"`
	// Count is set for histograms; Value is then the sum.
	Count uint64 `json:"count,omitempty"`
}

// Collect reads the current value of every instrument. It returns nil when
// metrics are disabled.
func (p *Provider) Collect(ctx context.Context) ([]Point, error) {
	if p == nil || p.reader == nil {
		return nil, nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	var out []Point
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out = append(out, points(m)...)
		}
	}
	slices.SortFunc(out, func(a, b Point) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(fmt.Sprint(a.Attributes), fmt.Sprint(b.Attributes))
	})
	return out, nil
}

func points(m metricdata.Metrics) []Point {
	var out []Point
	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		for _, dp := range data.DataPoints {
			out = append(out, Point{Name: m.Name, Attributes: attrMap(dp.Attributes), Value: float64(dp.Value)})
		}
	case metricdata.Sum[float64]:
		for _, dp := range data.DataPoints {
			out = append(out, Point{Name: m.Name, Attributes: attrMap(dp.Attributes), Value: dp.Value})
		}
	case metricdata.Gauge[int64]:
		for _, dp := range data.DataPoints {
			out = append(out, Point{Name: m.Name, Attributes: attrMap(dp.Attributes), Value: float64(dp.Value)})
		}
	case metricdata.Gauge[float64]:
		for _, dp := range data.DataPoints {
			out = append(out, Point{Name: m.Name, Attributes: attrMap(dp.Attributes), Value: dp.Value})
		}
	case metricdata.Histogram[float64]:
		for _, dp := range data.DataPoints {
			out = append(out, Point{Name: m.Name, Attributes: attrMap(dp.Attributes), Value: dp.Sum, Count: dp.Count})
		}
	}
	return out
}

func attrMap(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	out := make(map[string]string, set.Len())
	for _, kv := range set.ToSlice() {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}
