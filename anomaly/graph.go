package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// SupplyChainEdge is a directed dependency between two vendors. Edges are
// refreshed wholesale on resync and read-only during a detection pass.
type SupplyChainEdge struct {
	FromVendorID       string  `json:"fromVendorId"`
	ToVendorID         string  `json:"toVendorId"`
	Relationship       string  `json:"relationship"`
	DependencyStrength float64 `json:"dependencyStrength"`
	PropagationFactor  float64 `json:"riskPropagationFactor"`
}

// SetEdges replaces the supply-chain snapshot. The slice is copied, so
// the caller may reuse its backing array.
func (d *Detector) SetEdges(edges []SupplyChainEdge) {
	snapshot := make([]SupplyChainEdge, len(edges))
	copy(snapshot, edges)

	d.mu.Lock()
	d.edges = snapshot
	d.mu.Unlock()
}

// DetectGraphAnomalies walks the current edge snapshot for concentration
// risk (heavy aggregate dependency on few downstream vendors) and
// propagation risk (chains of high risk-propagation factors). Records
// are typed vendor and ordered by vendor ID within each risk type.
func (d *Detector) DetectGraphAnomalies(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	edges := d.edges
	d.mu.RUnlock()

	outbound := make(map[string][]SupplyChainEdge)
	for _, edge := range edges {
		outbound[edge.FromVendorID] = append(outbound[edge.FromVendorID], edge)
	}
	vendors := make([]string, 0, len(outbound))
	for vendor := range outbound {
		vendors = append(vendors, vendor)
		sort.Slice(outbound[vendor], func(i, j int) bool {
			return outbound[vendor][i].ToVendorID < outbound[vendor][j].ToVendorID
		})
	}
	sort.Strings(vendors)

	var records []Record
	for _, vendor := range vendors {
		total := 0.0
		targets := make(map[string]struct{})
		for _, edge := range outbound[vendor] {
			total += edge.DependencyStrength
			targets[edge.ToVendorID] = struct{}{}
		}
		fanout := len(targets)
		if fanout == 0 || fanout > d.params.ConcentrationMaxFanout || total < d.params.ConcentrationStrength {
			continue
		}

		// Mean strength per downstream vendor, so two near-total
		// dependencies score worse than four moderate ones.
		score := math.Min(1, total/float64(fanout))
		records = append(records, Record{
			EntityType: "vendor",
			EntityID:   vendor,
			Type:       "vendor_concentration",
			Severity:   d.params.severityFor(score),
			Confidence: score,
			Method:     "graph_analysis",
			Details: fmt.Sprintf("aggregate dependency strength %.2f concentrated on %d downstream vendors",
				total, fanout),
			Status: StatusNew,
		})
	}

	for _, vendor := range vendors {
		product, length := d.strongestChain(outbound, vendor)
		if length < 2 || product < d.params.PropagationThreshold {
			continue
		}
		records = append(records, Record{
			EntityType: "vendor",
			EntityID:   vendor,
			Type:       "risk_propagation",
			Severity:   d.params.severityFor(product),
			Confidence: product,
			Method:     "graph_analysis",
			Details: fmt.Sprintf("risk propagates through a chain of %d vendors at factor %.2f",
				length+1, product),
			Status: StatusNew,
		})
	}
	return records, nil
}

// strongestChain finds the highest chained propagation product reachable
// from head over simple paths of at least two edges, bounded by the
// configured depth. Visited tracking makes cycles safe.
func (d *Detector) strongestChain(outbound map[string][]SupplyChainEdge, head string) (float64, int) {
	best, bestLength := 0.0, 0
	visited := map[string]bool{head: true}

	var walk func(vendor string, depth int, product float64)
	walk = func(vendor string, depth int, product float64) {
		if depth >= d.params.PropagationMaxDepth {
			return
		}
		for _, edge := range outbound[vendor] {
			if visited[edge.ToVendorID] {
				continue
			}
			chained := product * edge.PropagationFactor
			if depth+1 >= 2 && chained > best {
				best, bestLength = chained, depth+1
			}
			visited[edge.ToVendorID] = true
			walk(edge.ToVendorID, depth+1, chained)
			visited[edge.ToVendorID] = false
		}
	}
	walk(head, 0, 1)
	return best, bestLength
}
