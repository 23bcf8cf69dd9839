package rewriter

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
)

// Sentinel is the include line prepended to every rewritten header. A file
// whose first line equals it has already been processed.
const Sentinel = "#include <__x86intrin_features.h>\n"

// ErrAlreadyProcessed reports that the input already begins with the sentinel.
var ErrAlreadyProcessed = errors.New("already processed")

// Matches a function prototype. This relies on the coding style used in the
// intrinsic headers:
//
//	static __inline__ <return-type> __attribute__((__always_inline__, __nodebug__))
//	_<intrinsic-name>(<param-list>)
var funcRE = regexp.MustCompile(`^(_.*?)\s*\(.*$`)

// Matches a macro definition. The first group matches the define keyword, the
// second the intrinsic name, and the third the parameter list. The fourth and
// fifth distinguish a multi-line macro from a single-line macro.
var macroRE = regexp.MustCompile(`^(#define\s+)(_.*?)(\(.*?\))([^\\]*)(\\?)`)

// Matches a "simple" macro definition that redefines an intrinsic in terms of
// an equivalent one, e.g.
//
//	#define _mm_foo _mm_bar
var simpleMacroRE = regexp.MustCompile(`^#define\s+(_.*?)\s`)

// ---------------- Rewriter ----------------

// Rewriter injects __builtin_assume(__builtin_has_cpu_feature(...)) calls
// into intrinsic declarations whose name appears in the feature map. It keeps
// a pending set of all mapped names so that intrinsics that were expected but
// never found in any header can be reported after a run.
type Rewriter struct {
	features map[string]string
	pending  map[string]bool
}

func New(features map[string]string) *Rewriter {
	pending := make(map[string]bool, len(features))
	for name := range features {
		pending[name] = true
	}
	return &Rewriter{features: features, pending: pending}
}

// Pending returns the mapped names that no processed header declared, sorted.
func (rw *Rewriter) Pending() []string {
	names := make([]string, 0, len(rw.pending))
	for name := range rw.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rewrite streams one header through the line classifier, copying plain lines
// verbatim and injecting assumption statements into recognized function and
// macro declarations. The sentinel is emitted as the first output line.
// Output is buffered and flushed to w only on success; if the input already
// starts with the sentinel, nothing is written and ErrAlreadyProcessed is
// returned.
func (rw *Rewriter) Rewrite(r io.Reader, w io.Writer) error {
	lr := newLineReader(r)
	var out bytes.Buffer
	out.WriteString(Sentinel)

	first := true
	for {
		line, ok, err := lr.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if first {
			if line == Sentinel {
				return ErrAlreadyProcessed
			}
			first = false
		}
		switch classify(line) {
		case lineFunction:
			err = rw.rewriteFunction(line, lr, &out)
		case lineMacro:
			err = rw.rewriteMacro(line, lr, &out)
		default:
			out.WriteString(line)
		}
		if err != nil {
			return err
		}
	}
	_, err := w.Write(out.Bytes())
	return err
}

type lineKind int

const (
	linePlain lineKind = iota
	lineFunction
	lineMacro
)

// classify decides what a line starts based on a fixed prefix test only; no
// lookahead, no tokenizing. Anything unrecognized is plain text.
func classify(line string) lineKind {
	switch {
	case strings.HasPrefix(line, "static __inline"):
		return lineFunction
	case strings.HasPrefix(line, "#define"):
		return lineMacro
	}
	return linePlain
}

// rewriteFunction handles a "static __inline" trigger line. The prototype is
// expected on the following line; both are copied through before the name is
// inspected, so declarations with unrecognized names come out untouched.
func (rw *Rewriter) rewriteFunction(line string, lr *lineReader, out *bytes.Buffer) error {
	out.WriteString(line)
	decl, ok, err := lr.next()
	if err != nil || !ok {
		return err
	}
	out.WriteString(decl)
	stripped := strings.TrimSpace(decl)
	m := funcRE.FindStringSubmatch(stripped)
	if m == nil {
		return nil
	}
	feature, known := rw.features[m[1]]
	if !known {
		return nil
	}
	delete(rw.pending, m[1])
	// Copy the rest of the declaration up to the line ending with the opening
	// brace. The headers put nothing after the brace on the same line.
	for !strings.HasSuffix(stripped, "{") {
		line, ok, err = lr.next()
		if err != nil || !ok {
			return err
		}
		out.WriteString(line)
		stripped = strings.TrimSpace(line)
	}
	fmt.Fprintf(out, "  __builtin_assume(__builtin_has_cpu_feature(_FEATURE_%s));\n", feature)
	return nil
}

// rewriteMacro handles a "#define" trigger line. The whole prototype sits on
// the trigger line itself; the body may continue over any number of
// backslash-terminated lines.
func (rw *Rewriter) rewriteMacro(line string, lr *lineReader, out *bytes.Buffer) error {
	stripped := strings.TrimSpace(line)
	m := macroRE.FindStringSubmatch(stripped)
	if m == nil {
		out.WriteString(line)
		// A bare "#define _foo _bar" redefinition still accounts for the name.
		if sm := simpleMacroRE.FindStringSubmatch(stripped); sm != nil {
			delete(rw.pending, sm[1])
		}
		return nil
	}
	name := m[2]
	feature, known := rw.features[name]
	if !known {
		// Continuation lines of an unrecognized multi-line macro are left to
		// the caller, which passes them through as plain text.
		out.WriteString(line)
		return nil
	}
	delete(rw.pending, name)
	// Emit the prototype, then open a group with the assume joined in via the
	// comma operator.
	out.WriteString(m[1])
	out.WriteString(name)
	out.WriteString(m[3])
	fmt.Fprintf(out, " \\\n  (__builtin_assume(__builtin_has_cpu_feature(_FEATURE_%s)), \\\n", feature)
	out.WriteString(m[4])
	if m[5] == "" {
		out.WriteString(")\n")
		return nil
	}
	// The first line ended with a backslash; put it back, then copy lines up
	// to the first one that does not continue and append the closing paren.
	out.WriteString("\\\n")
	var last string
	for {
		next, ok, err := lr.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if !strings.HasSuffix(strings.TrimSpace(next), "\\") {
			last = next
			break
		}
		out.WriteString(next)
	}
	out.WriteString(strings.TrimRight(last, " \t\r\n"))
	out.WriteString(")\n")
	return nil
}

// ---------------- Line reading ----------------

type lineReader struct {
	r *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReader(r)}
}

// next returns the next line with its trailing newline preserved, so that
// pass-through lines reproduce the input byte for byte. ok is false at EOF; a
// final line without a newline is returned as-is.
func (lr *lineReader) next() (line string, ok bool, err error) {
	s, err := lr.r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", false, err
	}
	if len(s) == 0 {
		return "", false, nil
	}
	return s, true, nil
}
