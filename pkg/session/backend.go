package session

import "context"

// Params are the sampling parameters passed to a completion.
type Params struct {
	Temperature float64
	NPast       int
	NBatch      int
	NPredict    int
	Continuing  bool
}

// Completion is the outcome of one backend call. Backends return it even
// alongside an error so the cursor can follow whatever was consumed.
type Completion struct {
	Text       string
	NPast      int
	NPredict   int
	Continuing bool
}

// Model is a loaded generation handle shared by every context slot opened
// on the same file.
//
// Complete streams generated tokens on tokens and returns the full result.
// It must stop sending once ctx is done and must not close tokens.
type Model interface {
	Complete(ctx context.Context, slot int, prompt string, p Params, tokens chan<- string) (Completion, error)
	Close() error
}

// Loader opens model files.
type Loader interface {
	Load(ctx context.Context, file string) (Model, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, file string) (Model, error)

func (f LoaderFunc) Load(ctx context.Context, file string) (Model, error) {
	return f(ctx, file)
}
