package otel

import (
	"go.opentelemetry.io/otel/metric"
)

// RegistryMetrics holds metrics for the read-only distribution endpoint.
type RegistryMetrics struct {
	ManifestsServed metric.Int64Counter
	BlobsServed     metric.Int64Counter
	BlobBytesServed metric.Int64Counter
}

// NewRegistryMetrics creates metrics for the registry endpoint.
func NewRegistryMetrics(meter metric.Meter) (*RegistryMetrics, error) {
	manifestsServed, err := meter.Int64Counter(
		"kiln_registry_manifests_served_total",
		metric.WithDescription("Total number of image manifests served"),
	)
	if err != nil {
		return nil, err
	}

	blobsServed, err := meter.Int64Counter(
		"kiln_registry_blobs_served_total",
		metric.WithDescription("Total number of blobs served"),
	)
	if err != nil {
		return nil, err
	}

	blobBytesServed, err := meter.Int64Counter(
		"kiln_registry_blob_bytes_served_total",
		metric.WithDescription("Total blob bytes served"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &RegistryMetrics{
		ManifestsServed: manifestsServed,
		BlobsServed:     blobsServed,
		BlobBytesServed: blobBytesServed,
	}, nil
}
