// Package query composes boolean text queries over field:value tokens.
// It is pure string manipulation: the same calls always produce the
// same output, so generated queries can be compared literally.
package query

import "strings"

// Builder accumulates conditions joined by boolean operators. Subquery
// builders nest via AndSubquery/OrSubquery and fold back into their
// parent on EndSubquery.
type Builder struct {
	parent *Builder
	foldOr bool
	sb     strings.Builder
	ops    int
}

// New starts a builder with an optional initial condition.
func New(condition string) *Builder {
	b := &Builder{}
	b.sb.WriteString(condition)
	return b
}

// And joins a condition with AND.
func (b *Builder) And(condition string) *Builder {
	return b.join("AND", condition)
}

// Or joins a condition with OR.
func (b *Builder) Or(condition string) *Builder {
	return b.join("OR", condition)
}

// AndNot joins a negated condition.
func (b *Builder) AndNot(condition string) *Builder {
	return b.join("AND NOT", condition)
}

func (b *Builder) join(op, condition string) *Builder {
	if condition == "" {
		return b
	}
	if b.sb.Len() > 0 {
		b.sb.WriteString(" ")
		b.sb.WriteString(op)
		b.sb.WriteString(" ")
	}
	b.sb.WriteString(condition)
	b.ops++
	return b
}

// AndSubquery opens a nested builder that will be AND-joined into this
// one by EndSubquery.
func (b *Builder) AndSubquery() *Builder {
	return &Builder{parent: b}
}

// OrSubquery opens a nested builder that will be OR-joined into this
// one by EndSubquery.
func (b *Builder) OrSubquery() *Builder {
	return &Builder{parent: b, foldOr: true}
}

// EndSubquery folds the nested builder back into its parent and returns
// the parent. Ending a builder without a parent returns itself.
func (b *Builder) EndSubquery() *Builder {
	if b.parent == nil {
		return b
	}
	sub := b.ToSubquery()
	if sub == "" {
		return b.parent
	}
	if b.foldOr {
		return b.parent.Or(sub)
	}
	return b.parent.And(sub)
}

// ToSubquery renders the accumulated text, parenthesized only when more
// than one operator was applied.
func (b *Builder) ToSubquery() string {
	q := b.sb.String()
	if b.ops > 1 && q != "" {
		return "(" + q + ")"
	}
	return q
}

// Remove strips a condition and the conjunction joining it. A
// condition joined as "x AND cond" removes the " AND " too, never
// leaving a trailing operator behind. Conditions match whole, at
// operator boundaries, so removing status:a leaves a status:ab
// condition untouched.
func (b *Builder) Remove(condition string) *Builder {
	if condition == "" || b.sb.Len() == 0 {
		return b
	}
	segs := splitConditions(b.sb.String())
	for i := range segs {
		if segs[i].cond != condition {
			continue
		}
		segs = append(segs[:i], segs[i+1:]...)
		if i == 0 && len(segs) > 0 {
			segs[0].op = ""
		}
		if b.ops > 0 {
			b.ops--
		}
		break
	}
	b.sb.Reset()
	for _, seg := range segs {
		b.sb.WriteString(seg.op)
		b.sb.WriteString(seg.cond)
	}
	return b
}

type segment struct {
	op   string // joining operator, empty for the first segment
	cond string
}

// splitConditions breaks a query into its operator-joined top-level
// conditions. Parenthesized subqueries stay whole.
func splitConditions(q string) []segment {
	var segs []segment
	op := ""
	depth := 0
	start := 0
	for i := 0; i < len(q); {
		switch q[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 {
			if next, ok := operatorAt(q, i); ok {
				segs = append(segs, segment{op: op, cond: q[start:i]})
				op = next
				i += len(next)
				start = i
				continue
			}
		}
		i++
	}
	return append(segs, segment{op: op, cond: q[start:]})
}

func operatorAt(q string, i int) (string, bool) {
	for _, op := range [...]string{" AND NOT ", " AND ", " OR "} {
		if strings.HasPrefix(q[i:], op) {
			return op, true
		}
	}
	return "", false
}

// Build renders the final query, stripping redundant outer parentheses
// and any stray leading conjunction.
func (b *Builder) Build() string {
	q := strings.TrimSpace(b.sb.String())
	for strings.HasPrefix(q, "(") && strings.HasSuffix(q, ")") && balanced(q[1:len(q)-1]) {
		q = strings.TrimSpace(q[1 : len(q)-1])
	}
	for {
		switch {
		case strings.HasPrefix(q, "AND NOT "):
			q = q[len("AND NOT "):]
		case strings.HasPrefix(q, "AND "):
			q = q[len("AND "):]
		case strings.HasPrefix(q, "OR "):
			q = q[len("OR "):]
		default:
			return strings.TrimSpace(q)
		}
	}
}

// balanced reports whether parentheses never close more than they
// opened, i.e. the outer pair being stripped really wraps the whole
// expression.
func balanced(q string) bool {
	depth := 0
	for _, ch := range q {
		switch ch {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

// Match renders an equality condition in the index's filter syntax.
func Match(field, value string) string {
	return field + ":" + value
}
