package dynamofake

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// exprCtx resolves #names and :values for one request.
type exprCtx struct {
	names  map[string]string
	values map[string]types.AttributeValue
}

func (e exprCtx) path(tok string) (string, error) {
	tok = strings.TrimSpace(tok)
	if strings.HasPrefix(tok, "#") {
		n, ok := e.names[tok]
		if !ok {
			return "", fmt.Errorf("unresolved attribute name %s", tok)
		}
		return n, nil
	}
	if tok == "" || strings.HasPrefix(tok, ":") {
		return "", fmt.Errorf("invalid attribute path %q", tok)
	}
	return tok, nil
}

// operand resolves tok to a value from the request or from item. A missing
// attribute yields nil.
func (e exprCtx) operand(tok string, item map[string]types.AttributeValue) (types.AttributeValue, error) {
	tok = strings.TrimSpace(tok)
	if strings.HasPrefix(tok, ":") {
		v, ok := e.values[tok]
		if !ok {
			return nil, fmt.Errorf("unresolved attribute value %s", tok)
		}
		return v, nil
	}
	p, err := e.path(tok)
	if err != nil {
		return nil, err
	}
	return item[p], nil
}

// evalCondition supports attribute_exists, attribute_not_exists and binary
// comparisons joined with AND / OR (AND binds tighter).
func (e exprCtx) evalCondition(expr string, item map[string]types.AttributeValue) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	for _, alt := range strings.Split(expr, " OR ") {
		ok := true
		for _, clause := range strings.Split(alt, " AND ") {
			res, err := e.evalClause(clause, item)
			if err != nil {
				return false, err
			}
			if !res {
				ok = false
				break
			}
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (e exprCtx) evalClause(clause string, item map[string]types.AttributeValue) (bool, error) {
	clause = strings.TrimSpace(clause)
	for strings.HasPrefix(clause, "(") && strings.HasSuffix(clause, ")") {
		clause = strings.TrimSpace(clause[1 : len(clause)-1])
	}
	if arg, ok := fnArg(clause, "attribute_not_exists"); ok {
		p, err := e.path(arg)
		if err != nil {
			return false, err
		}
		_, exists := item[p]
		return !exists, nil
	}
	if arg, ok := fnArg(clause, "attribute_exists"); ok {
		p, err := e.path(arg)
		if err != nil {
			return false, err
		}
		_, exists := item[p]
		return exists, nil
	}

	fields := strings.Fields(clause)
	if len(fields) != 3 {
		return false, fmt.Errorf("unsupported condition %q", clause)
	}
	left, err := e.operand(fields[0], item)
	if err != nil {
		return false, err
	}
	right, err := e.operand(fields[2], item)
	if err != nil {
		return false, err
	}
	if left == nil || right == nil {
		return false, nil
	}
	cmp, comparable := compare(left, right)
	switch fields[1] {
	case "=":
		return comparable && cmp == 0, nil
	case "<>":
		return !comparable || cmp != 0, nil
	case "<":
		return comparable && cmp < 0, nil
	case "<=":
		return comparable && cmp <= 0, nil
	case ">":
		return comparable && cmp > 0, nil
	case ">=":
		return comparable && cmp >= 0, nil
	}
	return false, fmt.Errorf("unsupported operator %q", fields[1])
}

func fnArg(clause, fn string) (string, bool) {
	if !strings.HasPrefix(clause, fn+"(") || !strings.HasSuffix(clause, ")") {
		return "", false
	}
	return strings.TrimSpace(clause[len(fn)+1 : len(clause)-1]), true
}

func compare(a, b types.AttributeValue) (int, bool) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		if bv, ok := b.(*types.AttributeValueMemberS); ok {
			return strings.Compare(av.Value, bv.Value), true
		}
	case *types.AttributeValueMemberN:
		if bv, ok := b.(*types.AttributeValueMemberN); ok {
			x, err1 := strconv.ParseFloat(av.Value, 64)
			y, err2 := strconv.ParseFloat(bv.Value, 64)
			if err1 != nil || err2 != nil {
				return 0, false
			}
			switch {
			case x < y:
				return -1, true
			case x > y:
				return 1, true
			}
			return 0, true
		}
	case *types.AttributeValueMemberBOOL:
		if bv, ok := b.(*types.AttributeValueMemberBOOL); ok {
			if av.Value == bv.Value {
				return 0, true
			}
			return 1, true
		}
	case *types.AttributeValueMemberB:
		if bv, ok := b.(*types.AttributeValueMemberB); ok {
			return bytes.Compare(av.Value, bv.Value), true
		}
	}
	return 0, false
}

// applyUpdate evaluates a SET / REMOVE update expression. Every right-hand
// side is evaluated against the item as it was before the update.
func (e exprCtx) applyUpdate(expr string, item map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	setPart, removePart := splitUpdate(strings.TrimSpace(expr))
	out := copyItem(item)

	for _, assign := range splitTopLevel(setPart) {
		if strings.TrimSpace(assign) == "" {
			continue
		}
		eq := strings.Index(assign, "=")
		if eq < 0 {
			return nil, fmt.Errorf("invalid SET clause %q", assign)
		}
		p, err := e.path(assign[:eq])
		if err != nil {
			return nil, err
		}
		v, err := e.value(assign[eq+1:], item)
		if err != nil {
			return nil, err
		}
		out[p] = v
	}
	for _, tok := range splitTopLevel(removePart) {
		if strings.TrimSpace(tok) == "" {
			continue
		}
		p, err := e.path(tok)
		if err != nil {
			return nil, err
		}
		delete(out, p)
	}
	return out, nil
}

func splitUpdate(expr string) (set, remove string) {
	if strings.HasPrefix(expr, "REMOVE ") {
		return "", strings.TrimPrefix(expr, "REMOVE ")
	}
	expr = strings.TrimPrefix(expr, "SET ")
	if i := strings.Index(expr, " REMOVE "); i >= 0 {
		return expr[:i], expr[i+len(" REMOVE "):]
	}
	return expr, ""
}

// splitTopLevel splits s on commas outside parentheses.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

func (e exprCtx) value(rhs string, item map[string]types.AttributeValue) (types.AttributeValue, error) {
	rhs = strings.TrimSpace(rhs)
	for _, op := range []string{" + ", " - "} {
		if i := topLevelIndex(rhs, op); i >= 0 {
			l, err := e.term(rhs[:i], item)
			if err != nil {
				return nil, err
			}
			r, err := e.term(rhs[i+len(op):], item)
			if err != nil {
				return nil, err
			}
			return arith(l, r, op == " - ")
		}
	}
	v, err := e.term(rhs, item)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("SET operand %q does not exist", rhs)
	}
	return v, nil
}

func (e exprCtx) term(tok string, item map[string]types.AttributeValue) (types.AttributeValue, error) {
	tok = strings.TrimSpace(tok)
	if arg, ok := fnArg(tok, "if_not_exists"); ok {
		parts := splitTopLevel(arg)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid if_not_exists %q", tok)
		}
		p, err := e.path(parts[0])
		if err != nil {
			return nil, err
		}
		if v, ok := item[p]; ok {
			return v, nil
		}
		return e.operand(parts[1], item)
	}
	return e.operand(tok, item)
}

func topLevelIndex(s, sep string) int {
	depth := 0
	for i := 0; i+len(sep) <= len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && s[i:i+len(sep)] == sep {
			return i
		}
	}
	return -1
}

func arith(l, r types.AttributeValue, subtract bool) (types.AttributeValue, error) {
	ln, ok1 := l.(*types.AttributeValueMemberN)
	rn, ok2 := r.(*types.AttributeValueMemberN)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("arithmetic on non-number operands")
	}
	x, err := strconv.ParseFloat(ln.Value, 64)
	if err != nil {
		return nil, err
	}
	y, err := strconv.ParseFloat(rn.Value, 64)
	if err != nil {
		return nil, err
	}
	if subtract {
		y = -y
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(x+y, 'f', -1, 64)}, nil
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v types.AttributeValue) types.AttributeValue {
	switch t := v.(type) {
	case *types.AttributeValueMemberS:
		return &types.AttributeValueMemberS{Value: t.Value}
	case *types.AttributeValueMemberN:
		return &types.AttributeValueMemberN{Value: t.Value}
	case *types.AttributeValueMemberBOOL:
		return &types.AttributeValueMemberBOOL{Value: t.Value}
	case *types.AttributeValueMemberNULL:
		return &types.AttributeValueMemberNULL{Value: t.Value}
	case *types.AttributeValueMemberB:
		return &types.AttributeValueMemberB{Value: append([]byte(nil), t.Value...)}
	case *types.AttributeValueMemberSS:
		return &types.AttributeValueMemberSS{Value: append([]string(nil), t.Value...)}
	case *types.AttributeValueMemberNS:
		return &types.AttributeValueMemberNS{Value: append([]string(nil), t.Value...)}
	case *types.AttributeValueMemberM:
		return &types.AttributeValueMemberM{Value: copyItem(t.Value)}
	case *types.AttributeValueMemberL:
		l := make([]types.AttributeValue, len(t.Value))
		for i, e := range t.Value {
			l[i] = copyValue(e)
		}
		return &types.AttributeValueMemberL{Value: l}
	}
	return v
}
