package domain

// allowedMetadataKeys is the set of metadata keys a caller may attach to a
// reservation. Everything else is dropped before the row is written, never
// stored.
var allowedMetadataKeys = map[string]struct{}{
	"prompt":           {},
	"title":            {},
	"pages":            {},
	"with_images":      {},
	"total_cost":       {},
	"cost_per_page":    {},
	"pricing_snapshot": {},
}

// SanitizeMetadata copies the allow-listed subset of the given metadata.
// Unknown keys are silently discarded. A nil input yields an empty map.
func SanitizeMetadata(metadata map[string]any) map[string]any {
	safe := make(map[string]any, len(metadata))
	for key, value := range metadata {
		if _, ok := allowedMetadataKeys[key]; !ok {
			continue
		}
		safe[key] = value
	}
	return safe
}
