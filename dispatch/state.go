package dispatch

// State is the readiness of the dispatch engine.
type State int32

const (
	// Uninitialized: no metadata has arrived; bus values are ignored.
	Uninitialized State = iota
	// MetadataLoaded: the tag registry is populated and the post-load sequence is pending.
	MetadataLoaded
	// Ready: bus values are applied and triggers fire.
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case MetadataLoaded:
		return "metadata-loaded"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}
