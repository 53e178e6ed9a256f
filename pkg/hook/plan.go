package hook

// Plan describes the MySQL restarts owed after a live-mirror pass.
type Plan struct {
	Enabled bool

	// Root is the mirrored filesystem the init scripts are chrooted into.
	Root          string
	InitScriptDir string

	// Servers lists the MySQL server names whose data or binaries changed.
	Servers []string
}
