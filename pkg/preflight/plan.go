package preflight

type Plan struct {
	SyncDirAccessible bool
	TarDirWritable    bool
	LogDirWritable    bool

	// Global Flags
	DryRun bool
}
