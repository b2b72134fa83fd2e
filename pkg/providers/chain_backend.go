package providers

import (
	"context"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotlore/pkg/chain"
	"github.com/dotsetgreg/dotlore/pkg/config"
	"github.com/dotsetgreg/dotlore/pkg/lexer"
	"github.com/dotsetgreg/dotlore/pkg/session"
)

// ProviderChain answers from the learned chain model. It needs no network
// and no credentials.
const ProviderChain = "chain"

const defaultChainWords = 22

func init() {
	Register(Backend{
		Name:   ProviderChain,
		Build:  newChainLoaderFromConfig,
		Status: func(*config.Config) (bool, string) { return true, "offline" },
	})
}

func newChainLoaderFromConfig(_ *config.Config, deps Deps) (session.Loader, error) {
	return NewChainLoader(deps.Chain, defaultChainWords), nil
}

// ChainLoader serves every model name from the same chain model.
type ChainLoader struct {
	model *chain.Model
	words int
}

func NewChainLoader(m *chain.Model, words int) *ChainLoader {
	if words <= 0 {
		words = defaultChainWords
	}
	return &ChainLoader{model: m, words: words}
}

func (l *ChainLoader) Load(context.Context, string) (session.Model, error) {
	return &chainModel{loader: l}, nil
}

type chainModel struct {
	loader *ChainLoader

	mu     sync.Mutex
	closed bool
}

// Complete seeds the chain with the prompt's words and streams one line of
// at most NPredict words.
func (m *chainModel) Complete(ctx context.Context, _ int, prompt string, p session.Params, tokens chan<- string) (session.Completion, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	seed := lexer.RemoveTags(prompt)
	consumed := p.NPast + len(lexer.Tokens(seed))
	if closed || m.loader.model == nil || p.NPredict <= 0 {
		return session.Completion{NPast: consumed, NPredict: p.NPredict}, nil
	}

	n := m.loader.words
	if p.NPredict < n {
		n = p.NPredict
	}
	words := strings.Fields(m.loader.model.Generate(seed, n, 1, 0))

	var text strings.Builder
	for i, w := range words {
		tok := w
		if i > 0 {
			tok = " " + w
		}
		select {
		case tokens <- tok:
		case <-ctx.Done():
			return session.Completion{Text: text.String(), NPast: consumed + i, NPredict: p.NPredict}, ctx.Err()
		}
		text.WriteString(tok)
	}
	return session.Completion{Text: text.String(), NPast: consumed + len(words), NPredict: p.NPredict}, nil
}

func (m *chainModel) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
