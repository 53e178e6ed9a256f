package preflight

type Plan struct {
	// Writable creates, hard-links and removes a probe file in each partition.
	Writable bool
	// RequireMount refuses partitions that live on the root filesystem.
	RequireMount bool
}
