package provider

import (
	"fmt"
	"strings"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/yungbote/protean/internal/domain/aggregates"
)

// programs caches compiled raw predicates process-wide.
var programs = xsync.NewMapOf[string, *exprvm.Program]()

// Predicate is a compiled expr-lang boolean expression evaluated against rows.
// Fields are exposed by name next to id, version and the positional args slice.
type Predicate struct {
	source  string
	program *exprvm.Program
	args    []any
}

// CompilePredicate is the raw-statement form of providers without a native query language.
func CompilePredicate(statement string, args ...any) (*Predicate, error) {
	statement = strings.TrimSpace(statement)
	if statement == "" {
		return nil, aggregates.Errorf(aggregates.CodeSchema, "predicate.compile", "empty statement")
	}
	program, ok := programs.Load(statement)
	if !ok {
		var err error
		program, err = exprlang.Compile(statement,
			exprlang.Env(map[string]any{}),
			exprlang.AllowUndefinedVariables(),
		)
		if err != nil {
			return nil, aggregates.NewError(aggregates.CodeSchema, "predicate.compile", err.Error(), err)
		}
		programs.Store(statement, program)
	}
	return &Predicate{source: statement, program: program, args: args}, nil
}

func (p *Predicate) Match(row Row) (bool, error) {
	env := make(map[string]any, len(row.Record)+3)
	for k, v := range row.Record {
		env[k] = decodeJSON(v)
	}
	env["id"] = row.ID
	env["version"] = row.Version
	env["args"] = p.args
	out, err := exprlang.Run(p.program, env)
	if err != nil {
		return false, aggregates.NewError(aggregates.CodeSchema, "predicate.match", err.Error(), err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, aggregates.Errorf(aggregates.CodeSchema, "predicate.match", "%q evaluated to %s, want bool", p.source, fmt.Sprintf("%T", out))
	}
	return b, nil
}

// Filter keeps the rows the predicate accepts.
func (p *Predicate) Filter(rows []Row) ([]Row, error) {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		ok, err := p.Match(r)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}
