package diff

// AttributeChange represents a change between two snapshots of an attribute.
// Old is nil for added attributes and New is nil for removed ones.
type AttributeChange struct {
	Name string
	Old  []string
	New  []string
}
