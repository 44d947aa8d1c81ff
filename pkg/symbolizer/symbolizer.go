// Package symbolizer resolves an instruction address into function,
// source-line, and CFI information, lazily loading and caching each
// module's symbol database on first touch.
package symbolizer

import (
	"bytes"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/Link-Not-Found/breakpad/pkg/logflags"
	"github.com/Link-Not-Found/breakpad/pkg/module"
	"github.com/Link-Not-Found/breakpad/pkg/symfile"
)

// Frame is the portion of a stack frame the symbolizer knows how to
// fill in. A stackwalker's own frame type embeds this alongside the
// trust level and register state it is responsible for.
type Frame struct {
	Instruction uint64

	Module    module.Module
	HasModule bool

	FunctionName     string
	FunctionBase     uint64
	HasFunction      bool
	SourceFile       string
	SourceLine       int
	SourceLineBase   uint64
	HasSourceLine    bool

	// InlineName, InlineCallFile, and InlineCallLine describe the
	// innermost inlined call covering Instruction, when the symbol
	// file's FUNC record carries INLINE/INLINE_ORIGIN information for
	// it. HasInline is false for a frame with no inline coverage, which
	// is the common case.
	InlineName     string
	InlineCallFile string
	InlineCallLine int
	HasInline      bool
}

// ErrSymbolSupplierInterrupted wraps a module key when the symbol
// provider reports InterruptRetryLater. The processor treats this as
// fatal to the whole session, distinct from an ordinary NotFound.
type ErrSymbolSupplierInterrupted struct {
	ModuleKey string
}

func (e ErrSymbolSupplierInterrupted) Error() string {
	return fmt.Sprintf("symbol supplier interrupted fetching %s", e.ModuleKey)
}

// moduleState is what the symbolizer has learned about one module.
type moduleState int

const (
	stateLoaded moduleState = iota
	stateNotFound
	stateCorrupt
)

type cacheEntry struct {
	state moduleState
	db    *symfile.Database
}

// Symbolizer resolves addresses against a fixed module list, backed
// by a bounded per-module symbol database cache.
type Symbolizer struct {
	loaded   module.List
	unloaded module.List
	provider symfile.Provider
	log      logflags.Logger

	cache *lru.Cache // module.Module.Key() -> *cacheEntry

	withoutSymbols map[string]module.Module
	corruptSymbols map[string]module.Module
}

// New returns a Symbolizer over the given loaded and unloaded module
// lists, resolving misses through provider. cacheSize bounds the
// number of module symbol databases kept resident at once.
func New(loaded, unloaded module.List, provider symfile.Provider, cacheSize int, log logflags.Logger) (*Symbolizer, error) {
	if log == nil {
		log = logflags.New("symbolizer", false)
	}
	c, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("symbolizer: building symbol cache: %w", err)
	}
	return &Symbolizer{
		loaded:         loaded,
		unloaded:       unloaded,
		provider:       provider,
		log:            log,
		cache:          c,
		withoutSymbols: make(map[string]module.Module),
		corruptSymbols: make(map[string]module.Module),
	}, nil
}

// Reset clears per-session state (the modules-without-symbols and
// modules-with-corrupt-symbols sets) but leaves the symbol database
// cache intact, so a shared Symbolizer can be reused across multiple
// Process calls without re-fetching every module's symbols.
func (s *Symbolizer) Reset() {
	s.withoutSymbols = make(map[string]module.Module)
	s.corruptSymbols = make(map[string]module.Module)
}

// ModulesWithoutSymbols returns the modules for which the provider
// reported NotFound during this session.
func (s *Symbolizer) ModulesWithoutSymbols() []module.Module {
	out := make([]module.Module, 0, len(s.withoutSymbols))
	for _, m := range s.withoutSymbols {
		out = append(out, m)
	}
	return out
}

// ModulesWithCorruptSymbols returns the modules whose symbol file
// yielded no database at all (no usable MODULE line) during this
// session. A file that parses with some malformed lines still loads
// and is not listed here; its bad lines are only logged.
func (s *Symbolizer) ModulesWithCorruptSymbols() []module.Module {
	out := make([]module.Module, 0, len(s.corruptSymbols))
	for _, m := range s.corruptSymbols {
		out = append(out, m)
	}
	return out
}

// FillSourceLineInfo resolves frame.Instruction: it finds the owning
// module, ensures that module's symbol database is loaded, fills the
// function and source-line fields it can, and returns the CFI record
// covering the instruction, if any, for the caller (a stackwalker) to
// evaluate.
func (s *Symbolizer) FillSourceLineInfo(frame *Frame) (*symfile.CFIRecord, error) {
	m, ok := module.Lookup(s.loaded, s.unloaded, frame.Instruction)
	if !ok {
		frame.HasModule = false
		return nil, nil
	}
	frame.Module = m
	frame.HasModule = true

	db, err := s.resolve(m)
	if err != nil {
		return nil, err
	}
	if db == nil {
		// NotFound or CorruptSymbols: already recorded in the
		// appropriate set by resolve; nothing more to fill.
		return nil, nil
	}

	if f, ok := db.FuncAt(frame.Instruction); ok {
		frame.FunctionName = f.Name
		frame.FunctionBase = f.Address
		frame.HasFunction = true
		if l, ok := db.LineAt(f, frame.Instruction); ok {
			frame.SourceFile = db.File(l.FileID)
			frame.SourceLine = l.Line
			frame.SourceLineBase = l.Address
			frame.HasSourceLine = true
		}
		if in, ok := db.InlineAt(f, frame.Instruction); ok {
			frame.InlineName = db.Origin(in.OriginID)
			frame.InlineCallFile = db.File(in.CallFileID)
			frame.InlineCallLine = in.CallLine
			frame.HasInline = true
		}
	} else if p, ok := db.PublicAt(frame.Instruction); ok {
		frame.FunctionName = p.Name
		frame.FunctionBase = p.Address
		frame.HasFunction = true
	}

	cfi, _ := db.CFIAt(frame.Instruction)
	return cfi, nil
}

// resolve returns m's symbol database, loading and caching it on
// first touch. A nil database with a nil error means the module has
// no usable symbols (NotFound or CorruptSymbols) and was recorded in
// the relevant set.
func (s *Symbolizer) resolve(m module.Module) (*symfile.Database, error) {
	key := m.Key()
	if v, ok := s.cache.Get(key); ok {
		entry := v.(*cacheEntry)
		switch entry.state {
		case stateLoaded:
			return entry.db, nil
		case stateNotFound:
			s.withoutSymbols[key] = m
			return nil, nil
		default:
			s.corruptSymbols[key] = m
			return nil, nil
		}
	}

	result, err := s.provider.GetSymbolFile(m.DebugFile, m.DebugIdentifier)
	if err != nil {
		return nil, fmt.Errorf("symbolizer: fetching symbols for %s: %w", key, err)
	}

	switch result.Status {
	case symfile.NotFound:
		s.cache.Add(key, &cacheEntry{state: stateNotFound})
		s.withoutSymbols[key] = m
		s.log.WithField("module", m.CodeFile).Debug("no symbol file available")
		return nil, nil

	case symfile.InterruptRetryLater:
		return nil, ErrSymbolSupplierInterrupted{ModuleKey: key}

	case symfile.Found:
		db, errs := symfile.Parse(bytes.NewReader(result.Bytes))
		if db == nil {
			s.cache.Add(key, &cacheEntry{state: stateCorrupt})
			s.corruptSymbols[key] = m
			s.log.WithField("module", m.CodeFile).Warn("symbol file did not parse")
			return nil, nil
		}
		for _, e := range errs {
			s.log.WithField("module", m.CodeFile).WithError(e).Warn("malformed symbol file line")
		}
		s.cache.Add(key, &cacheEntry{state: stateLoaded, db: db})
		return db, nil

	default:
		return nil, fmt.Errorf("symbolizer: unknown provider status %v for %s", result.Status, key)
	}
}
