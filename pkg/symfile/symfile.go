// Package symfile models a per-module symbol database: function and
// public symbol records, source-line records, and the CFI rule tables
// that drive the unwind core's per-frame register recovery. It also
// implements the line-oriented text encoding these databases are
// exchanged in, and the external Provider contract a caller uses to
// supply one for a given module.
package symfile

import (
	"fmt"
	"sort"
)

// LineRecord maps a sub-range of a function to a source location.
type LineRecord struct {
	Address uint64
	Size    uint64
	Line    int
	FileID  int
}

// InlineFrame names one level of an inlined call chain attributed to
// a function record: the range it covers, which source line made the
// call, and which INLINE_ORIGIN declared its callee name. Depth 0 is
// the outermost inlined call, made directly from the function's own
// body, and each further level of nesting has a higher depth; a range
// can be covered by several depths at once.
type InlineFrame struct {
	Depth      int
	Address    uint64
	Size       uint64
	CallLine   int
	CallFileID int
	OriginID   int
}

func (i InlineFrame) end() uint64 { return i.Address + i.Size }

// FuncRecord is a named, sized function range, optionally with
// per-instruction source-line records and an inline-call chain.
type FuncRecord struct {
	Address   uint64
	Size      uint64
	ParamSize uint64
	Name      string
	Multiple  bool // shares its address with another record
	Lines     []LineRecord
	Inlines   []InlineFrame
}

func (f *FuncRecord) End() uint64 { return f.Address + f.Size }

// lineAt returns the line record whose range contains addr, if any.
func (f *FuncRecord) lineAt(addr uint64) (LineRecord, bool) {
	i := sort.Search(len(f.Lines), func(i int) bool { return f.Lines[i].Address > addr })
	if i == 0 {
		return LineRecord{}, false
	}
	l := f.Lines[i-1]
	if addr >= l.Address && addr < l.Address+l.Size {
		return l, true
	}
	return LineRecord{}, false
}

// deepestInlineAt returns the innermost (highest-depth) inline frame
// covering addr, if any.
func (f *FuncRecord) deepestInlineAt(addr uint64) (InlineFrame, bool) {
	best, found := InlineFrame{}, false
	for _, in := range f.Inlines {
		if addr < in.Address || addr >= in.end() {
			continue
		}
		if !found || in.Depth > best.Depth {
			best, found = in, true
		}
	}
	return best, found
}

// PublicRecord is a name-only symbol with no known extent: a symbol
// whose address is known but whose size was not recorded by the
// producer (common for data symbols and stripped leaf functions).
type PublicRecord struct {
	Address   uint64
	ParamSize uint64
	Name      string
	Multiple  bool
}

// CFIDelta amends a CFIRecord's initial rule set starting at Address.
type CFIDelta struct {
	Address uint64
	Rules   map[string]string
}

// CFIRecord is the Call Frame Information covering one address range.
// InitialRules hold at the start of the range; each delta amends the
// rule set from its address onward.
type CFIRecord struct {
	Address      uint64
	Size         uint64
	InitialRules map[string]string
	Deltas       []CFIDelta // kept sorted by Address
}

func (c *CFIRecord) End() uint64 { return c.Address + c.Size }

// EffectiveRules builds the rule set in force at instrAddr: the
// initial rules, overlaid by every delta whose address is <=
// instrAddr, applied in address order so a later delta's rule for a
// register overrides an earlier one's.
func (c *CFIRecord) EffectiveRules(instrAddr uint64) map[string]string {
	out := make(map[string]string, len(c.InitialRules))
	for reg, expr := range c.InitialRules {
		out[reg] = expr
	}
	for _, d := range c.Deltas {
		if d.Address > instrAddr {
			break // Deltas is sorted, so nothing further applies
		}
		for reg, expr := range d.Rules {
			out[reg] = expr
		}
	}
	return out
}

// FileRecord names a source file by the numeric id FUNC/line records
// reference it by.
type FileRecord struct {
	ID   int
	Path string
}

// ModuleHeader is the `MODULE` line's content: the module this
// database describes, as the producer identified it.
type ModuleHeader struct {
	OS      string
	Arch    string
	ID      string
	Name    string
	CodeID  string // from an optional INFO CODE_ID line; may be empty
}

// Database is one module's parsed symbol information: its function
// and public symbol tables, CFI rule table, and source file names,
// each kept sorted by address for O(log n) lookup.
type Database struct {
	Header ModuleHeader

	files   map[int]string
	origins map[int]string
	funcs   []*FuncRecord  // sorted by Address
	publics []PublicRecord // sorted by Address
	cfi     []*CFIRecord   // sorted by Address
}

// NewDatabase returns an empty database for the given module header.
func NewDatabase(header ModuleHeader) *Database {
	return &Database{Header: header, files: make(map[int]string), origins: make(map[int]string)}
}

// AddFile records a source file's path under its numeric id.
func (d *Database) AddFile(id int, path string) { d.files[id] = path }

// File returns the path recorded for a file id, or "" if unknown.
func (d *Database) File(id int) string { return d.files[id] }

// AddOrigin records an inlined function's name under its numeric id,
// as declared by an INLINE_ORIGIN record.
func (d *Database) AddOrigin(id int, name string) { d.origins[id] = name }

// Origin returns the inlined function name recorded for an origin id,
// or "" if unknown.
func (d *Database) Origin(id int) string { return d.origins[id] }

// AddFunc appends a function record. Callers must add records in
// non-decreasing address order, or call Finalize afterward to sort.
func (d *Database) AddFunc(f *FuncRecord) { d.funcs = append(d.funcs, f) }

// AddPublic appends a public symbol record.
func (d *Database) AddPublic(p PublicRecord) { d.publics = append(d.publics, p) }

// AddCFI appends a CFI record.
func (d *Database) AddCFI(c *CFIRecord) { d.cfi = append(d.cfi, c) }

// Finalize sorts every record slice by address and each CFI record's
// deltas by address, and must be called once after the database has
// been fully populated (by a parser or by hand in a test) before any
// lookup method is used.
func (d *Database) Finalize() {
	sort.Slice(d.funcs, func(i, j int) bool { return d.funcs[i].Address < d.funcs[j].Address })
	sort.Slice(d.publics, func(i, j int) bool { return d.publics[i].Address < d.publics[j].Address })
	sort.Slice(d.cfi, func(i, j int) bool { return d.cfi[i].Address < d.cfi[j].Address })
	for _, c := range d.cfi {
		sort.Slice(c.Deltas, func(i, j int) bool { return c.Deltas[i].Address < c.Deltas[j].Address })
	}
}

// FuncAt returns the function record whose range contains addr.
func (d *Database) FuncAt(addr uint64) (*FuncRecord, bool) {
	i := sort.Search(len(d.funcs), func(i int) bool { return d.funcs[i].Address > addr })
	if i == 0 {
		return nil, false
	}
	f := d.funcs[i-1]
	if addr >= f.Address && addr < f.End() {
		return f, true
	}
	return nil, false
}

// PublicAt returns the public record whose address is the closest
// one not exceeding addr — public records have no known extent, so
// this is a predecessor lookup rather than a range containment test.
func (d *Database) PublicAt(addr uint64) (PublicRecord, bool) {
	i := sort.Search(len(d.publics), func(i int) bool { return d.publics[i].Address > addr })
	if i == 0 {
		return PublicRecord{}, false
	}
	return d.publics[i-1], true
}

// LineAt returns the source-line record covering addr within f.
func (d *Database) LineAt(f *FuncRecord, addr uint64) (LineRecord, bool) {
	return f.lineAt(addr)
}

// InlineAt returns the innermost inline frame covering addr within f,
// if any.
func (d *Database) InlineAt(f *FuncRecord, addr uint64) (InlineFrame, bool) {
	return f.deepestInlineAt(addr)
}

// CFIAt returns the CFI record whose range contains addr.
func (d *Database) CFIAt(addr uint64) (*CFIRecord, bool) {
	i := sort.Search(len(d.cfi), func(i int) bool { return d.cfi[i].Address > addr })
	if i == 0 {
		return nil, false
	}
	c := d.cfi[i-1]
	if addr >= c.Address && addr < c.End() {
		return c, true
	}
	return nil, false
}

// Key identifies the module a database was built for, in the same
// form a module.Module reports via its own Key method.
func (h ModuleHeader) Key() string { return h.Name + "/" + h.ID }

func (h ModuleHeader) String() string {
	return fmt.Sprintf("MODULE %s %s %s %s", h.OS, h.Arch, h.ID, h.Name)
}

// Status reports the outcome of a symbol-file lookup.
type Status int

const (
	// Found means Result.Bytes holds the symbol file's raw text.
	Found Status = iota
	// NotFound means the provider has no symbol file for this module;
	// the caller records the module in its modules-without-symbols set.
	NotFound
	// InterruptRetryLater means the provider could not complete the
	// lookup (e.g. a transient network failure) and a retry might
	// succeed; processing a whole session aborts on this status rather
	// than produce a partial result.
	InterruptRetryLater
)

func (s Status) String() string {
	switch s {
	case Found:
		return "Found"
	case NotFound:
		return "NotFound"
	case InterruptRetryLater:
		return "InterruptRetryLater"
	default:
		return "Unknown"
	}
}

// Result is the outcome of a Provider.GetSymbolFile call.
type Result struct {
	Status Status
	Bytes  []byte
}

// Provider supplies symbol file bytes for a module identified by its
// debug file name and debug identifier. Implementations may reach
// disk, a network symbol server, or an in-memory fixture; none of
// that is this package's concern.
type Provider interface {
	GetSymbolFile(debugFile, debugIdentifier string) (Result, error)
}
