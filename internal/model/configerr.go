package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is one problem of a configuration file in a form suitable
// for a log line or a front end dialog
type CueErrorDetail struct {
	Path    string // upload.auth.token
	Code    string // unknown_field | missing_required | conflicting_values | invalid_enum | type_mismatch | validation_error
	Message string
	Pos     CueErrorPosition
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

func (c CueErrorDetail) String() string {
	if c.Pos.Filename == "" {
		return c.Path + ": " + c.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s: %s", c.Pos.Filename, c.Pos.Line, c.Pos.Column, c.Path, c.Message)
}

// first match wins
var classes = []struct {
	re     *regexp.Regexp
	code   string
	format string
}{
	{regexp.MustCompile(`(?i)not allowed|unknown field`), "unknown_field", "Field %s is not allowed"},
	{regexp.MustCompile(`(?i)incomplete value`), "missing_required", "Field %s is required"},
	{regexp.MustCompile(`(?i)must be one of|expected one of`), "invalid_enum", "Field %s has invalid value"},
	{regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`), "conflicting_values", "Conflicting values for %s"},
	{regexp.MustCompile(`(?i)expected .* got .*`), "type_mismatch", "Field %s has wrong type/value"},
}

// CueErrDetails turns an error returned by LoadConfig into a list of
// human readable details. Errors without a position are skipped, so are
// repeated errors at the same position.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	var ret []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		pos, ok := position(e)
		if !ok || slices.ContainsFunc(ret, func(d CueErrorDetail) bool { return d.Pos == pos }) {
			continue
		}
		raw, _ := e.Msg()
		path := joinPath(e.Path())
		code, msg := classify(raw, path)
		if values, dflt := enumStrings(path); len(values) > 0 {
			msg += fmt.Sprintf(": possible values (%s)", strings.Join(values, ","))
			if dflt != "" {
				msg += fmt.Sprintf(" (default %s)", dflt)
			}
		}
		ret = append(ret, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     pos,
		})
	}
	return ret
}

func classify(raw, path string) (code, msg string) {
	field := path
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		field = path[i+1:]
	}
	for _, c := range classes {
		if c.re.MatchString(raw) {
			return c.code, fmt.Sprintf(c.format, field)
		}
	}
	return "validation_error", raw
}

// enumStrings lists the allowed values of a string field of the schema
// declared as a disjunction like "stderr" | "stdout"
func enumStrings(path string) (values []string, dflt string) {
	if path == "" {
		return nil, ""
	}
	v := schema.LookupPath(cue.ParsePath(path))
	if !v.Exists() {
		return nil, ""
	}
	if d, ok := v.Default(); ok {
		dflt, _ = d.String()
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil, ""
	}
	for _, a := range args {
		if a.Kind() != cue.StringKind {
			continue
		}
		if s, err := a.String(); err == nil && !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	return values, dflt
}

func position(err cueerrors.Error) (CueErrorPosition, bool) {
	for _, p := range cueerrors.Positions(err) {
		if p.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: p.Filename(),
			Line:     p.Line(),
			Column:   p.Column(),
		}, true
	}
	return CueErrorPosition{}, false
}

// joinPath drops the leading #Config definition
func joinPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
