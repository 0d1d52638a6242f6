package anomaly

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectGraphAnomalies_EmptySnapshot(t *testing.T) {
	detector := newTestDetector(t)

	records, err := detector.DetectGraphAnomalies(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDetectGraphAnomalies_ConcentrationRisk(t *testing.T) {
	detector := newTestDetector(t)
	detector.SetEdges([]SupplyChainEdge{
		// v-acme leans almost entirely on two vendors.
		{FromVendorID: "v-acme", ToVendorID: "v-steel", Relationship: "sole_source", DependencyStrength: 0.9, PropagationFactor: 0.1},
		{FromVendorID: "v-acme", ToVendorID: "v-bolt", Relationship: "primary", DependencyStrength: 0.8, PropagationFactor: 0.1},
		// v-globex spreads the same total strength over four vendors.
		{FromVendorID: "v-globex", ToVendorID: "v-a", DependencyStrength: 0.4, PropagationFactor: 0.1},
		{FromVendorID: "v-globex", ToVendorID: "v-b", DependencyStrength: 0.4, PropagationFactor: 0.1},
		{FromVendorID: "v-globex", ToVendorID: "v-c", DependencyStrength: 0.4, PropagationFactor: 0.1},
		{FromVendorID: "v-globex", ToVendorID: "v-d", DependencyStrength: 0.4, PropagationFactor: 0.1},
	})

	records, err := detector.DetectGraphAnomalies(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)

	record := records[0]
	assert.Equal(t, "vendor", record.EntityType)
	assert.Equal(t, "v-acme", record.EntityID)
	assert.Equal(t, "vendor_concentration", record.Type)
	assert.Equal(t, "graph_analysis", record.Method)
	assert.InDelta(t, 0.85, record.Confidence, 1e-9)
	assert.Equal(t, SeverityCritical, record.Severity)
	assert.Equal(t, StatusNew, record.Status)
}

func TestDetectGraphAnomalies_PropagationRisk(t *testing.T) {
	detector := newTestDetector(t)
	detector.SetEdges([]SupplyChainEdge{
		{FromVendorID: "v-a", ToVendorID: "v-b", DependencyStrength: 0.3, PropagationFactor: 0.9},
		{FromVendorID: "v-b", ToVendorID: "v-c", DependencyStrength: 0.3, PropagationFactor: 0.8},
	})

	records, err := detector.DetectGraphAnomalies(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)

	// Only v-a heads a chain of two or more edges.
	record := records[0]
	assert.Equal(t, "v-a", record.EntityID)
	assert.Equal(t, "risk_propagation", record.Type)
	assert.InDelta(t, 0.72, record.Confidence, 1e-9)
	assert.Equal(t, SeverityHigh, record.Severity)
}

func TestDetectGraphAnomalies_CycleSafe(t *testing.T) {
	detector := newTestDetector(t)
	detector.SetEdges([]SupplyChainEdge{
		{FromVendorID: "v-a", ToVendorID: "v-b", DependencyStrength: 0.3, PropagationFactor: 0.95},
		{FromVendorID: "v-b", ToVendorID: "v-c", DependencyStrength: 0.3, PropagationFactor: 0.95},
		{FromVendorID: "v-c", ToVendorID: "v-a", DependencyStrength: 0.3, PropagationFactor: 0.95},
	})

	records, err := detector.DetectGraphAnomalies(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Deterministic ordering by vendor ID.
	assert.Equal(t, "v-a", records[0].EntityID)
	assert.Equal(t, "v-b", records[1].EntityID)
	assert.Equal(t, "v-c", records[2].EntityID)
	for _, record := range records {
		assert.Equal(t, "risk_propagation", record.Type)
		assert.InDelta(t, 0.9025, record.Confidence, 1e-9)
	}
}

func TestDetectGraphAnomalies_SnapshotReplacedWholesale(t *testing.T) {
	detector := newTestDetector(t)
	detector.SetEdges([]SupplyChainEdge{
		{FromVendorID: "v-acme", ToVendorID: "v-steel", DependencyStrength: 0.9, PropagationFactor: 0.1},
		{FromVendorID: "v-acme", ToVendorID: "v-bolt", DependencyStrength: 0.8, PropagationFactor: 0.1},
	})

	records, err := detector.DetectGraphAnomalies(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)

	detector.SetEdges(nil)

	records, err = detector.DetectGraphAnomalies(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDetectGraphAnomalies_ContextCancelled(t *testing.T) {
	detector := newTestDetector(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := detector.DetectGraphAnomalies(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
