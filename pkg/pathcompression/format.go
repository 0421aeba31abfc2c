package pathcompression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Format is the archive container and codec of a batch. Its value doubles as
// the archive file extension.
type Format string

const (
	TarGz  Format = "tar.gz"
	TarZst Format = "tar.zst"
)

func (f Format) String() string { return string(f) }

// Extension is the archive file name suffix, without the dot.
func (f Format) Extension() string { return string(f) }

// ParseFormat parses a format name. An empty string selects tar.gz.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", TarGz:
		return TarGz, nil
	case TarZst:
		return TarZst, nil
	}
	return "", fmt.Errorf("invalid compression format: %q. Must be 'tar.gz' or 'tar.zst'", s)
}

// Level trades compression speed for archive size. Each codec maps it onto
// its own scale.
type Level string

const (
	Default Level = "default"
	Fastest Level = "fastest"
	Better  Level = "better"
	Best    Level = "best"
)

// ParseLevel parses a level name. An empty string selects Default.
func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case "":
		return Default, nil
	case Default, Fastest, Better, Best:
		return l, nil
	}
	return "", fmt.Errorf("invalid compression level: %q. Must be 'default', 'fastest', 'better', or 'best'", s)
}

func (l Level) gzipLevel() int {
	switch l {
	case Fastest:
		return pgzip.BestSpeed
	case Better:
		return 6
	case Best:
		return pgzip.BestCompression
	default:
		return pgzip.DefaultCompression
	}
}

func (l Level) zstdLevel() zstd.EncoderLevel {
	switch l {
	case Fastest:
		return zstd.SpeedFastest
	case Better:
		return zstd.SpeedBetterCompression
	case Best:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}
