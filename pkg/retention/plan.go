package retention

type Plan struct {
	// Retention is the pass's retention in days.
	Retention int
	// Levels is the ascending tier table retentions of 14 days and more are built on.
	Levels []int

	DeleteWorkers int

	// Global Flags
	DryRun  bool
	Metrics bool
}
