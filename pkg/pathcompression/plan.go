package pathcompression

type Plan struct {
	Format       Format
	Level        Level
	BufferSizeKB int

	// Global Flags
	DryRun  bool
	Metrics bool
}
