package remote

import (
	"context"
	"fmt"

	"github.com/paulschiretz/pgl-runsync/pkg/util"
)

// Backend selects the Store implementation.
type Backend int

const (
	Local Backend = iota
	S3
)

var backendToString = map[Backend]string{
	Local: "local",
	S3:    "s3",
}

var stringToBackend map[string]Backend

func init() {
	stringToBackend = util.InvertMap(backendToString)
}

func (b Backend) String() string {
	if str, ok := backendToString[b]; ok {
		return str
	}
	return fmt.Sprintf("unknown_backend(%d)", b)
}

// ParseBackend parses a backend name.
func ParseBackend(s string) (Backend, error) {
	if b, ok := stringToBackend[s]; ok {
		return b, nil
	}
	return Local, fmt.Errorf("invalid remote backend: %q. Must be 'local' or 's3'", s)
}

// S3Options configures the S3 backend. An empty Endpoint targets AWS.
type S3Options struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

type Plan struct {
	Backend   Backend
	LocalRoot string
	S3        S3Options
}

// New opens the store selected by plan.
func New(ctx context.Context, plan *Plan) (Store, error) {
	switch plan.Backend {
	case Local:
		return NewLocalStore(plan.LocalRoot)
	case S3:
		return NewS3Store(ctx, plan.S3)
	default:
		return nil, fmt.Errorf("unsupported remote backend: %s", plan.Backend)
	}
}
