package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	_ "github.com/google/mangle/packages"
	"github.com/google/mangle/parse"
	"github.com/google/mangle/unionfind"
)

// engine is a small Mangle wrapper sized for policy evaluation: one schema,
// a handful of facts per check, queried once. Facts never survive a check.
type engine struct {
	store      factstore.ConcurrentFactStore
	program    *analysis.ProgramInfo
	queryCtx   *mengine.QueryContext
	predicates map[string]ast.PredicateSym
}

func newEngine(schema string) (*engine, error) {
	unit, err := parse.Unit(strings.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	program, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("analyze policy: %w", err)
	}

	store := factstore.NewConcurrentFactStore(factstore.NewSimpleInMemoryStore())

	predicates := make(map[string]ast.PredicateSym, len(program.Decls))
	predToDecl := make(map[ast.PredicateSym]*ast.Decl, len(program.Decls))
	for sym, decl := range program.Decls {
		predicates[sym.Symbol] = sym
		predToDecl[sym] = decl
	}
	predToRules := make(map[ast.PredicateSym][]ast.Clause)
	for _, clause := range program.Rules {
		predToRules[clause.Head.Predicate] = append(predToRules[clause.Head.Predicate], clause)
	}

	return &engine{
		store:      store,
		program:    program,
		predicates: predicates,
		queryCtx: &mengine.QueryContext{
			PredToRules: predToRules,
			PredToDecl:  predToDecl,
			Store:       store,
		},
	}, nil
}

// add inserts one ground fact. Strings starting with "/" become name
// constants, all other strings stay strings; no identifier promotion.
func (e *engine) add(predicate string, args ...interface{}) error {
	sym, ok := e.predicates[predicate]
	if !ok {
		return fmt.Errorf("predicate %s is not declared", predicate)
	}
	if len(args) != sym.Arity {
		return fmt.Errorf("predicate %s expects %d args, got %d", predicate, sym.Arity, len(args))
	}

	terms := make([]ast.BaseTerm, len(args))
	for i, raw := range args {
		switch v := raw.(type) {
		case string:
			if strings.HasPrefix(v, "/") {
				name, err := ast.Name(v)
				if err != nil {
					return fmt.Errorf("predicate %s arg %d: %w", predicate, i, err)
				}
				terms[i] = name
			} else {
				terms[i] = ast.String(v)
			}
		case int:
			terms[i] = ast.Number(int64(v))
		case int64:
			terms[i] = ast.Number(v)
		default:
			return fmt.Errorf("predicate %s arg %d: unsupported type %T", predicate, i, raw)
		}
	}

	e.store.Add(ast.Atom{Predicate: sym, Args: terms})
	return nil
}

// eval runs the rules to fixpoint over the current facts.
func (e *engine) eval() error {
	_, err := mengine.EvalProgramWithStats(e.program, e.store)
	return err
}

// query evaluates a single atom query and returns one row of variable
// bindings per derived fact.
func (e *engine) query(ctx context.Context, q string) ([]map[string]interface{}, error) {
	clean := strings.TrimSuffix(strings.TrimSpace(q), ".")
	atom, err := parse.Atom(clean)
	if err != nil {
		atom, err = parse.Atom(clean + ".")
		if err != nil {
			return nil, fmt.Errorf("parse query %q: %w", q, err)
		}
	}

	decl, ok := e.queryCtx.PredToDecl[atom.Predicate]
	if !ok {
		return nil, fmt.Errorf("predicate %s is not declared", atom.Predicate.Symbol)
	}
	modes := decl.Modes()
	if len(modes) == 0 {
		return nil, fmt.Errorf("predicate %s has no modes declared", atom.Predicate.Symbol)
	}

	var rows []map[string]interface{}
	err = e.queryCtx.EvalQuery(atom, modes[0], unionfind.New(), func(fact ast.Atom) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		row := make(map[string]interface{})
		for i, arg := range atom.Args {
			variable, ok := arg.(ast.Variable)
			if !ok || i >= len(fact.Args) {
				continue
			}
			row[variable.Symbol] = termValue(fact.Args[i])
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func termValue(term ast.BaseTerm) interface{} {
	constant, ok := term.(ast.Constant)
	if !ok {
		return term.String()
	}
	switch constant.Type {
	case ast.StringType, ast.NameType:
		return constant.Symbol
	case ast.NumberType:
		return constant.NumValue
	default:
		return constant.String()
	}
}
