package testutil

// FixedIDGenerator generates the same pass id every time.
//
// Log lines and reports carrying the pass id become byte-identical across
// runs, which golden snapshots rely on.
//
// Thread-safety: FixedIDGenerator is stateless and safe for concurrent use.
type FixedIDGenerator struct {
	id string
}

// NewFixedIDGenerator creates a new fixed id generator.
//
// If id is empty, Generate() returns "test-pass-default".
func NewFixedIDGenerator(id string) *FixedIDGenerator {
	if id == "" {
		id = "test-pass-default"
	}
	return &FixedIDGenerator{id: id}
}

// Generate returns the fixed id.
func (g *FixedIDGenerator) Generate() string {
	return g.id
}
