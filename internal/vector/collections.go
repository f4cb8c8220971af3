package vector

// Collection names. Distance is cosine for all of them; the code
// collection carries the code embedder's dimension, everything else the
// semantic embedder's.
const (
	CollectionMemories     = "memories"
	CollectionCodeUnits    = "code_units"
	CollectionCommits      = "commits"
	CollectionGHAPFull     = "ghap_full"
	CollectionGHAPStrategy = "ghap_strategy"
	CollectionGHAPSurprise = "ghap_surprise"
	CollectionGHAPRoot     = "ghap_root_cause"
	CollectionValues       = "values"
)

// GHAPCollection maps an axis name to its collection.
func GHAPCollection(axis string) string {
	return "ghap_" + axis
}
