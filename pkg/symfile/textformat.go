package symfile

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// ParseError reports a malformed line in a symbol file, not fatal to
// the parse: Parse reports every ParseError it encounters and keeps
// going, since a partially-corrupt symbol file is still worth
// extracting what it can from.
type ParseError struct {
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("symfile: line %d: %v (%q)", e.Line, e.Err, e.Text)
}

// Parse reads a symbol file in the text format described by §6 of the
// unwind core's interface contract: a line-oriented, whitespace-
// separated record stream classified by leading keyword.
//
// Malformed lines are collected and returned as errs alongside a
// database built from every line that did parse; a caller that wants
// strict all-or-nothing parsing should treat any non-empty errs as
// fatal.
func Parse(r io.Reader) (db *Database, errs []error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	var current *FuncRecord
	var currentCFI *CFIRecord
	lineNo := 0

	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		keyword := fields[0]

		switch keyword {
		case "MODULE":
			h, err := parseModule(fields)
			if err != nil {
				errs = append(errs, &ParseError{lineNo, line, err})
				continue
			}
			db = NewDatabase(h)

		case "INFO":
			if db == nil {
				errs = append(errs, &ParseError{lineNo, line, fmt.Errorf("INFO before MODULE")})
				continue
			}
			if len(fields) >= 3 && fields[1] == "CODE_ID" {
				db.Header.CodeID = fields[2]
			}

		case "FILE":
			if db == nil || len(fields) < 3 {
				errs = append(errs, &ParseError{lineNo, line, fmt.Errorf("malformed FILE line")})
				continue
			}
			id, err := strconv.Atoi(fields[1])
			if err != nil {
				errs = append(errs, &ParseError{lineNo, line, err})
				continue
			}
			db.AddFile(id, strings.Join(fields[2:], " "))

		case "INLINE_ORIGIN":
			if db == nil || len(fields) < 3 {
				errs = append(errs, &ParseError{lineNo, line, fmt.Errorf("malformed INLINE_ORIGIN line")})
				continue
			}
			id, err := strconv.Atoi(fields[1])
			if err != nil {
				errs = append(errs, &ParseError{lineNo, line, err})
				continue
			}
			db.AddOrigin(id, strings.Join(fields[2:], " "))

		case "INLINE":
			if current == nil {
				errs = append(errs, &ParseError{lineNo, line, fmt.Errorf("INLINE outside any FUNC")})
				continue
			}
			in, err := parseInline(fields)
			if err != nil {
				errs = append(errs, &ParseError{lineNo, line, err})
				continue
			}
			current.Inlines = append(current.Inlines, in)

		case "FUNC":
			f, err := parseFunc(fields)
			if err != nil {
				errs = append(errs, &ParseError{lineNo, line, err})
				current = nil
				continue
			}
			if db == nil {
				errs = append(errs, &ParseError{lineNo, line, fmt.Errorf("FUNC before MODULE")})
				continue
			}
			db.AddFunc(f)
			current = f

		case "PUBLIC":
			p, err := parsePublic(fields)
			if err != nil {
				errs = append(errs, &ParseError{lineNo, line, err})
				continue
			}
			if db == nil {
				errs = append(errs, &ParseError{lineNo, line, fmt.Errorf("PUBLIC before MODULE")})
				continue
			}
			db.AddPublic(p)
			current = nil

		case "STACK":
			if len(fields) < 2 {
				errs = append(errs, &ParseError{lineNo, line, fmt.Errorf("malformed STACK line")})
				continue
			}
			if db == nil {
				errs = append(errs, &ParseError{lineNo, line, fmt.Errorf("STACK before MODULE")})
				continue
			}
			if fields[1] == "CFI" && len(fields) >= 3 && fields[2] == "INIT" {
				c, err := parseCFIInit(fields)
				if err != nil {
					errs = append(errs, &ParseError{lineNo, line, err})
					continue
				}
				db.AddCFI(c)
				currentCFI = c
			} else if fields[1] == "CFI" {
				addr, rules, err := parseCFIDelta(fields)
				if err != nil {
					errs = append(errs, &ParseError{lineNo, line, err})
					continue
				}
				target := currentCFI
				if target == nil || addr < target.Address || addr >= target.End() {
					if c, ok := db.CFIAt(addr); ok {
						target = c
					}
				}
				if target == nil {
					errs = append(errs, &ParseError{lineNo, line, fmt.Errorf("STACK CFI delta with no covering INIT record")})
					continue
				}
				target.Deltas = append(target.Deltas, CFIDelta{Address: addr, Rules: rules})
			} else {
				errs = append(errs, &ParseError{lineNo, line, fmt.Errorf("unknown STACK record %q", fields[1])})
			}

		default:
			// No recognized keyword: a source-line record belonging to
			// the most recently opened FUNC, "<addr> <size> <line> <file_n>".
			if current == nil {
				errs = append(errs, &ParseError{lineNo, line, fmt.Errorf("line record outside any FUNC")})
				continue
			}
			lr, err := parseLine(fields)
			if err != nil {
				errs = append(errs, &ParseError{lineNo, line, err})
				continue
			}
			current.Lines = append(current.Lines, lr)
		}
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, err)
	}
	if db != nil {
		db.Finalize()
	}
	return db, errs
}

func parseModule(fields []string) (ModuleHeader, error) {
	if len(fields) < 5 {
		return ModuleHeader{}, fmt.Errorf("want MODULE os arch id name, got %d fields", len(fields))
	}
	return ModuleHeader{OS: fields[1], Arch: fields[2], ID: fields[3], Name: strings.Join(fields[4:], " ")}, nil
}

func parseFunc(fields []string) (*FuncRecord, error) {
	fields = fields[1:] // drop "FUNC"
	multiple := false
	if len(fields) > 0 && fields[0] == "m" {
		multiple = true
		fields = fields[1:]
	}
	if len(fields) < 4 {
		return nil, fmt.Errorf("want FUNC [m] addr size param_size name, got %d fields", len(fields))
	}
	addr, err := parseHex(fields[0])
	if err != nil {
		return nil, err
	}
	size, err := parseHex(fields[1])
	if err != nil {
		return nil, err
	}
	paramSize, err := parseHex(fields[2])
	if err != nil {
		return nil, err
	}
	return &FuncRecord{
		Address:   addr,
		Size:      size,
		ParamSize: paramSize,
		Name:      strings.Join(fields[3:], " "),
		Multiple:  multiple,
	}, nil
}

func parsePublic(fields []string) (PublicRecord, error) {
	fields = fields[1:] // drop "PUBLIC"
	multiple := false
	if len(fields) > 0 && fields[0] == "m" {
		multiple = true
		fields = fields[1:]
	}
	if len(fields) < 3 {
		return PublicRecord{}, fmt.Errorf("want PUBLIC [m] addr param_size name, got %d fields", len(fields))
	}
	addr, err := parseHex(fields[0])
	if err != nil {
		return PublicRecord{}, err
	}
	paramSize, err := parseHex(fields[1])
	if err != nil {
		return PublicRecord{}, err
	}
	return PublicRecord{Address: addr, ParamSize: paramSize, Name: strings.Join(fields[2:], " "), Multiple: multiple}, nil
}

func parseLine(fields []string) (LineRecord, error) {
	if len(fields) != 4 {
		return LineRecord{}, fmt.Errorf("want addr size line file_n, got %d fields", len(fields))
	}
	addr, err := parseHex(fields[0])
	if err != nil {
		return LineRecord{}, err
	}
	size, err := parseHex(fields[1])
	if err != nil {
		return LineRecord{}, err
	}
	line, err := strconv.Atoi(fields[2])
	if err != nil {
		return LineRecord{}, err
	}
	fileN, err := strconv.Atoi(fields[3])
	if err != nil {
		return LineRecord{}, err
	}
	return LineRecord{Address: addr, Size: size, Line: line, FileID: fileN}, nil
}

// parseInline reads an "INLINE depth call_line call_file_id origin_id
// address size" record: one contiguous range of an inlined call,
// tagged with the source location of the call site and which
// INLINE_ORIGIN names the inlined callee.
func parseInline(fields []string) (InlineFrame, error) {
	fields = fields[1:] // drop "INLINE"
	if len(fields) != 6 {
		return InlineFrame{}, fmt.Errorf("want INLINE depth call_line call_file origin addr size, got %d fields", len(fields))
	}
	depth, err := strconv.Atoi(fields[0])
	if err != nil {
		return InlineFrame{}, err
	}
	callLine, err := strconv.Atoi(fields[1])
	if err != nil {
		return InlineFrame{}, err
	}
	callFileID, err := strconv.Atoi(fields[2])
	if err != nil {
		return InlineFrame{}, err
	}
	originID, err := strconv.Atoi(fields[3])
	if err != nil {
		return InlineFrame{}, err
	}
	addr, err := parseHex(fields[4])
	if err != nil {
		return InlineFrame{}, err
	}
	size, err := parseHex(fields[5])
	if err != nil {
		return InlineFrame{}, err
	}
	return InlineFrame{
		Depth:      depth,
		Address:    addr,
		Size:       size,
		CallLine:   callLine,
		CallFileID: callFileID,
		OriginID:   originID,
	}, nil
}

func parseCFIInit(fields []string) (*CFIRecord, error) {
	fields = fields[3:] // drop "STACK CFI INIT"
	if len(fields) < 2 {
		return nil, fmt.Errorf("want STACK CFI INIT addr size rules..., got %d fields", len(fields))
	}
	addr, err := parseHex(fields[0])
	if err != nil {
		return nil, err
	}
	size, err := parseHex(fields[1])
	if err != nil {
		return nil, err
	}
	rules, err := parseRules(fields[2:])
	if err != nil {
		return nil, err
	}
	return &CFIRecord{Address: addr, Size: size, InitialRules: rules}, nil
}

func parseCFIDelta(fields []string) (uint64, map[string]string, error) {
	fields = fields[2:] // drop "STACK CFI"
	if len(fields) < 1 {
		return 0, nil, fmt.Errorf("want STACK CFI addr rules..., got %d fields", len(fields))
	}
	addr, err := parseHex(fields[0])
	if err != nil {
		return 0, nil, err
	}
	rules, err := parseRules(fields[1:])
	if err != nil {
		return 0, nil, err
	}
	return addr, rules, nil
}

// parseRules reads a flat token stream of alternating "name:" markers
// and expression tokens into a map, e.g.
//   [".cfa:" "$ebp" "8" "+" "$eip:" ".cfa" "-4" "^"]
// becomes {".cfa": "$ebp 8 +", "$eip": ".cfa -4 ^"}.
func parseRules(tokens []string) (map[string]string, error) {
	rules := make(map[string]string)
	var name string
	var expr []string
	flush := func() {
		if name != "" {
			rules[name] = strings.Join(expr, " ")
		}
	}
	for _, tok := range tokens {
		if strings.HasSuffix(tok, ":") {
			flush()
			name = strings.TrimSuffix(tok, ":")
			expr = expr[:0]
		} else {
			if name == "" {
				return nil, fmt.Errorf("expression token %q before any rule name", tok)
			}
			expr = append(expr, tok)
		}
	}
	flush()
	if len(rules) == 0 {
		return nil, fmt.Errorf("no rules found")
	}
	return rules, nil
}

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}

// WriteTo serializes db back into the text format. Field order within
// a MODULE is fixed (FILE, FUNC+lines in address order, PUBLIC in
// address order, STACK CFI in address order) so that Parse(WriteTo(db))
// reproduces byte-identical output from a database built by Parse.
func (d *Database) WriteTo(w io.Writer) (int64, error) {
	var written int64
	write := func(format string, args ...interface{}) error {
		n, err := fmt.Fprintf(w, format, args...)
		written += int64(n)
		return err
	}

	if err := write("%s\n", d.Header.String()); err != nil {
		return written, err
	}
	if d.Header.CodeID != "" {
		if err := write("INFO CODE_ID %s\n", d.Header.CodeID); err != nil {
			return written, err
		}
	}

	fileIDs := make([]int, 0, len(d.files))
	for id := range d.files {
		fileIDs = append(fileIDs, id)
	}
	sort.Ints(fileIDs)
	for _, id := range fileIDs {
		if err := write("FILE %d %s\n", id, d.files[id]); err != nil {
			return written, err
		}
	}

	originIDs := make([]int, 0, len(d.origins))
	for id := range d.origins {
		originIDs = append(originIDs, id)
	}
	sort.Ints(originIDs)
	for _, id := range originIDs {
		if err := write("INLINE_ORIGIN %d %s\n", id, d.origins[id]); err != nil {
			return written, err
		}
	}

	for _, f := range d.funcs {
		m := ""
		if f.Multiple {
			m = "m "
		}
		if err := write("FUNC %s%x %x %x %s\n", m, f.Address, f.Size, f.ParamSize, f.Name); err != nil {
			return written, err
		}
		for _, l := range f.Lines {
			if err := write("%x %x %d %d\n", l.Address, l.Size, l.Line, l.FileID); err != nil {
				return written, err
			}
		}
		for _, in := range f.Inlines {
			if err := write("INLINE %d %d %d %d %x %x\n", in.Depth, in.CallLine, in.CallFileID, in.OriginID, in.Address, in.Size); err != nil {
				return written, err
			}
		}
	}

	for _, p := range d.publics {
		m := ""
		if p.Multiple {
			m = "m "
		}
		if err := write("PUBLIC %s%x %x %s\n", m, p.Address, p.ParamSize, p.Name); err != nil {
			return written, err
		}
	}

	for _, c := range d.cfi {
		if err := write("STACK CFI INIT %x %x %s\n", c.Address, c.Size, formatRules(c.InitialRules)); err != nil {
			return written, err
		}
		for _, delta := range c.Deltas {
			if err := write("STACK CFI %x %s\n", delta.Address, formatRules(delta.Rules)); err != nil {
				return written, err
			}
		}
	}

	return written, nil
}

func formatRules(rules map[string]string) string {
	names := make([]string, 0, len(rules))
	for n := range rules {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+": "+rules[n])
	}
	return strings.Join(parts, " ")
}
