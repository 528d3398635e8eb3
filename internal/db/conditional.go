package db

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"gorm.io/gorm"
)

// FieldRef names another column of the same row as an update value, so a
// field can be set from the row's current state in a single statement,
// e.g. previous_status from status.
type FieldRef string

// CaseWhen is one WHEN branch of a Case value. Expr is a raw SQL condition
// over the current row with ? placeholders bound to Args; Then may be a
// literal or a FieldRef.
type CaseWhen struct {
	Expr string
	Args []any
	Then any
}

// Case selects an update value among candidates based on the row's current
// state. A nil Else keeps the column's current value.
type Case struct {
	Whens []CaseWhen
	Else  any
}

// Ne is an expected-value condition requiring the column to differ from
// Value (or from every element when Value is a slice). With AutoNone set a
// NULL column satisfies the condition, matching Go's != rather than SQL's
// three-valued null logic.
type Ne struct {
	Value    any
	AutoNone bool
}

// NotEqual builds a Ne condition with AutoNone enabled.
func NotEqual(value any) Ne {
	return Ne{Value: value, AutoNone: true}
}

// Filter is an extra raw predicate ANDed into the update's WHERE clause.
type Filter struct {
	Expr string
	Args []any
}

// ConditionalUpdateOptions tunes a ConditionalUpdate call.
type ConditionalUpdateOptions struct {
	// Filters are extra predicates beyond the expected-value conditions.
	Filters []Filter
	// Order lists fields whose assignments must be applied first, in the
	// given order.
	Order []string
}

// assignment is one rendered SET item.
type assignment struct {
	column string
	sql    string
	args   []any
}

// ConditionalUpdate atomically applies values to the rows of one entity
// type whose current state matches every expected condition: a generalized
// compare-and-swap. It returns true iff at least one row changed; zero
// matching rows is not an error.
//
// Some engines evaluate a multi-field SET left to right against partially
// updated row state, so when one field's new value reads another field the
// result depends on assignment order. The SET clause is rendered in a fixed
// order (explicit Order list, then field references, then case expressions,
// then plain literals) so every engine produces the same row.
//
// Attempts to write columns of more than one table fail with
// ErrProgramming; multi-table updates are disallowed categorically. The
// statement is retried up to five times on deadlock; other failures
// propagate immediately.
func ConditionalUpdate(tx *gorm.DB, model any, values map[string]any, expected map[string]any, opts *ConditionalUpdateOptions) (bool, error) {
	if tx == nil {
		return false, fmt.Errorf("%w: nil transaction", ErrProgramming)
	}
	ctx := context.Background()
	if tx.Statement != nil && tx.Statement.Context != nil {
		ctx = tx.Statement.Context
	}
	var updated bool
	err := WithRetry(ctx, func() error {
		var errUpdate error
		updated, errUpdate = conditionalUpdate(tx, model, values, expected, opts)
		return errUpdate
	})
	return updated, err
}

func conditionalUpdate(tx *gorm.DB, model any, values map[string]any, expected map[string]any, opts *ConditionalUpdateOptions) (bool, error) {
	if len(values) == 0 {
		return false, fmt.Errorf("%w: conditional update without values", ErrProgramming)
	}

	stmt := &gorm.Statement{DB: tx}
	if errParse := stmt.Parse(model); errParse != nil {
		return false, fmt.Errorf("%w: parse model: %v", ErrProgramming, errParse)
	}
	table := stmt.Schema.Table

	resolve := func(name string) (string, error) {
		name = strings.TrimSpace(name)
		if idx := strings.Index(name, "."); idx >= 0 {
			if name[:idx] != table {
				return "", fmt.Errorf("%w: multitable updates are not supported (field %s, table %s)", ErrProgramming, name, table)
			}
			name = name[idx+1:]
		}
		field := stmt.Schema.LookUpField(name)
		if field == nil {
			return "", fmt.Errorf("%w: unknown field %s on table %s", ErrProgramming, name, table)
		}
		return field.DBName, nil
	}

	assignments, errAssign := renderAssignments(values, opts, resolve)
	if errAssign != nil {
		return false, errAssign
	}

	where, whereArgs, errWhere := renderConditions(expected, opts, resolve)
	if errWhere != nil {
		return false, errWhere
	}

	var sb strings.Builder
	args := make([]any, 0, len(assignments)+len(whereArgs))
	sb.WriteString("UPDATE ")
	sb.WriteString(table)
	sb.WriteString(" SET ")
	for i, a := range assignments {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(a.column)
		sb.WriteString(" = ")
		sb.WriteString(a.sql)
		args = append(args, a.args...)
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
		args = append(args, whereArgs...)
	}

	res := tx.Exec(sb.String(), args...)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected != 0, nil
}

// renderAssignments classifies and renders the SET items in their mandatory
// application order.
func renderAssignments(values map[string]any, opts *ConditionalUpdateOptions, resolve func(string) (string, error)) ([]assignment, error) {
	var explicit []string
	if opts != nil {
		explicit = opts.Order
	}

	rendered := make(map[string]assignment, len(values))
	for _, field := range sortedKeys(values) {
		column, errResolve := resolve(field)
		if errResolve != nil {
			return nil, errResolve
		}
		sql, args, errValue := renderValue(values[field], column, resolve)
		if errValue != nil {
			return nil, errValue
		}
		rendered[field] = assignment{column: column, sql: sql, args: args}
	}

	taken := make(map[string]bool, len(explicit))
	ordered := make([]assignment, 0, len(values))
	for _, field := range explicit {
		a, ok := rendered[field]
		if !ok {
			return nil, fmt.Errorf("%w: ordered field %s not present in values", ErrProgramming, field)
		}
		taken[field] = true
		ordered = append(ordered, a)
	}

	var refs, cases, plain []assignment
	for _, field := range sortedKeys(values) {
		if taken[field] {
			continue
		}
		switch values[field].(type) {
		case FieldRef:
			refs = append(refs, rendered[field])
		case Case:
			cases = append(cases, rendered[field])
		default:
			plain = append(plain, rendered[field])
		}
	}
	ordered = append(ordered, refs...)
	ordered = append(ordered, cases...)
	ordered = append(ordered, plain...)
	return ordered, nil
}

// renderValue renders one update value as a SQL fragment. selfColumn is the
// column being assigned; a Case without an Else falls back to it so the
// column keeps its current value when no branch matches.
func renderValue(value any, selfColumn string, resolve func(string) (string, error)) (string, []any, error) {
	switch v := value.(type) {
	case FieldRef:
		column, errResolve := resolve(string(v))
		if errResolve != nil {
			return "", nil, errResolve
		}
		return column, nil, nil
	case Case:
		if len(v.Whens) == 0 {
			return "", nil, fmt.Errorf("%w: case value without whens", ErrProgramming)
		}
		var sb strings.Builder
		var args []any
		sb.WriteString("CASE")
		for _, when := range v.Whens {
			expr := strings.TrimSpace(when.Expr)
			if expr == "" {
				return "", nil, fmt.Errorf("%w: case when without condition", ErrProgramming)
			}
			thenSQL, thenArgs, errThen := renderValue(when.Then, selfColumn, resolve)
			if errThen != nil {
				return "", nil, errThen
			}
			sb.WriteString(" WHEN ")
			sb.WriteString(expr)
			sb.WriteString(" THEN ")
			sb.WriteString(thenSQL)
			args = append(args, when.Args...)
			args = append(args, thenArgs...)
		}
		sb.WriteString(" ELSE ")
		if v.Else != nil {
			elseSQL, elseArgs, errElse := renderValue(v.Else, selfColumn, resolve)
			if errElse != nil {
				return "", nil, errElse
			}
			sb.WriteString(elseSQL)
			args = append(args, elseArgs...)
		} else {
			sb.WriteString(selfColumn)
		}
		sb.WriteString(" END")
		return sb.String(), args, nil
	default:
		return "?", []any{value}, nil
	}
}

// renderConditions renders the expected-value predicates and extra filters.
func renderConditions(expected map[string]any, opts *ConditionalUpdateOptions, resolve func(string) (string, error)) ([]string, []any, error) {
	var exprs []string
	var args []any

	for _, field := range sortedKeys(expected) {
		column, errResolve := resolve(field)
		if errResolve != nil {
			return nil, nil, errResolve
		}
		condition := expected[field]
		if ne, ok := condition.(Ne); ok {
			expr, condArgs := renderNotMatch(column, ne)
			exprs = append(exprs, expr)
			args = append(args, condArgs...)
			continue
		}
		expr, condArgs := renderMatch(column, condition)
		exprs = append(exprs, expr)
		args = append(args, condArgs...)
	}

	if opts != nil {
		for _, f := range opts.Filters {
			expr := strings.TrimSpace(f.Expr)
			if expr == "" {
				return nil, nil, fmt.Errorf("%w: empty filter expression", ErrProgramming)
			}
			exprs = append(exprs, "("+expr+")")
			args = append(args, f.Args...)
		}
	}
	return exprs, args, nil
}

// renderMatch renders an equality condition. Slices become IN; a slice
// containing nil turns into an OR of equals so NULL rows can match.
func renderMatch(column string, value any) (string, []any) {
	elems, isSlice := sliceElems(value)
	if !isSlice {
		if value == nil {
			return column + " IS NULL", nil
		}
		return column + " = ?", []any{value}
	}

	nonNil := make([]any, 0, len(elems))
	hasNil := false
	for _, e := range elems {
		if e == nil {
			hasNil = true
			continue
		}
		nonNil = append(nonNil, e)
	}
	switch {
	case len(nonNil) == 0:
		return column + " IS NULL", nil
	case hasNil:
		return "(" + column + " IN (" + placeholders(len(nonNil)) + ") OR " + column + " IS NULL)", nonNil
	default:
		return column + " IN (" + placeholders(len(nonNil)) + ")", nonNil
	}
}

// renderNotMatch negates renderMatch. With AutoNone set, NULL columns are
// treated as "different" the way Go's != does, not SQL's NULL logic.
func renderNotMatch(column string, ne Ne) (string, []any) {
	base, args := renderMatch(column, ne.Value)
	expr := "NOT (" + base + ")"
	if ne.AutoNone && !valueContainsNil(ne.Value) {
		expr = "(" + expr + " OR " + column + " IS NULL)"
	}
	return expr, args
}

func valueContainsNil(value any) bool {
	if value == nil {
		return true
	}
	elems, isSlice := sliceElems(value)
	if !isSlice {
		return false
	}
	for _, e := range elems {
		if e == nil {
			return true
		}
	}
	return false
}

// sliceElems expands slice and array values; strings and byte slices are
// scalars.
func sliceElems(value any) ([]any, bool) {
	switch value.(type) {
	case nil, string, []byte, FieldRef:
		return nil, false
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	elems := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		e := rv.Index(i)
		if e.Kind() == reflect.Ptr && e.IsNil() {
			elems = append(elems, nil)
			continue
		}
		if !e.CanInterface() {
			continue
		}
		if e.Kind() == reflect.Interface && e.IsNil() {
			elems = append(elems, nil)
			continue
		}
		elems = append(elems, e.Interface())
	}
	return elems, true
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
