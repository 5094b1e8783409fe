package csql

import (
	"strconv"
	"strings"
)

// Fragment is a composable piece of a WHERE clause. The SQL text uses '?'
// placeholders; Numbered rewrites them to postgres $N parameters once the
// full statement is assembled. Composition never mutates its inputs.
type Fragment struct {
	SQL  string
	Args []interface{}
}

// Frag builds a fragment from SQL text with '?' placeholders and its arguments.
func Frag(sql string, args ...interface{}) Fragment {
	return Fragment{SQL: sql, Args: args}
}

// False is a fragment that matches nothing.
var False = Fragment{SQL: "FALSE"}

// Empty reports whether the fragment carries no SQL text.
func (f Fragment) Empty() bool {
	return f.SQL == ""
}

// And combines fragments with AND. Empty fragments are dropped; combining
// zero fragments yields the empty fragment.
func And(fragments ...Fragment) Fragment {
	return combine(" AND ", fragments)
}

// Or combines fragments with OR. Empty fragments are dropped; combining
// zero fragments yields the empty fragment.
func Or(fragments ...Fragment) Fragment {
	return combine(" OR ", fragments)
}

func combine(op string, fragments []Fragment) Fragment {
	var kept []Fragment
	for _, f := range fragments {
		if !f.Empty() {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		return Fragment{}
	}
	if len(kept) == 1 {
		return kept[0]
	}
	var parts []string
	var args []interface{}
	for _, f := range kept {
		parts = append(parts, "("+f.SQL+")")
		args = append(args, f.Args...)
	}
	return Fragment{SQL: strings.Join(parts, op), Args: args}
}

// Numbered rewrites '?' placeholders to $N parameters, starting at $(offset+1).
// Question marks never appear in the generated SQL text outside of
// placeholders; all user data is carried in Args.
func Numbered(sql string, offset int) string {
	var b strings.Builder
	b.Grow(len(sql) + 8)
	n := offset
	for i := 0; i < len(sql); i++ {
		if sql[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteByte(sql[i])
		}
	}
	return b.String()
}
