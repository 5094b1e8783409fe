package schema

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/apiforge-io/apiforge/core/access"
)

// DateOnlyFormat is the short date form accepted in values.
const DateOnlyFormat = "2006-01-02"

// ParseDateValue validates a date value in either the canonical 24-character
// form or the short date-only form.
func ParseDateValue(raw string) error {
	switch len(raw) {
	case len(DateOnlyFormat):
		_, err := time.Parse(DateOnlyFormat, raw)
		return err
	case len(DateFormat):
		_, err := time.Parse(DateFormat, raw)
		return err
	}
	return fmt.Errorf("not a valid date: %s", raw)
}

// DefaultKind discriminates the variants of a default rule.
type DefaultKind int

// default rule variants
const (
	// DefaultConstant stores the literal configured value.
	DefaultConstant DefaultKind = iota
	// DefaultNow stamps the server time at record construction.
	DefaultNow
	// DefaultCurrentUsername stamps the authenticated user's username.
	DefaultCurrentUsername
	// DefaultCurrentUserID stamps the authenticated user's id.
	DefaultCurrentUserID
)

// DefaultRule is a compiled default value for an attribute. Constants are
// resolved at compile time; the other kinds are evaluated lazily per record
// so each record gets the actual timestamp or user.
type DefaultRule struct {
	Kind  DefaultKind
	Value interface{}
}

// Evaluate produces the default value for a new record.
func (r *DefaultRule) Evaluate(user *access.User) interface{} {
	switch r.Kind {
	case DefaultNow:
		return time.Now().UTC().Format(DateFormat)
	case DefaultCurrentUsername:
		if user == nil {
			return nil
		}
		return user.Username
	case DefaultCurrentUserID:
		if user == nil {
			return nil
		}
		return user.ID
	}
	return r.Value
}

// compileDefault turns the raw default value from the definition into a
// typed rule. String placeholders ("now", "current_username",
// "current_userid", "NULL") are recognized where the datatype warrants;
// everything else is coerced into the attribute's datatype once, here.
func compileDefault(raw json.RawMessage, datatype Datatype) (*DefaultRule, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return compileStringDefault(str, datatype)
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("invalid default value: %s", err)
	}
	return &DefaultRule{Kind: DefaultConstant, Value: value}, nil
}

func compileStringDefault(str string, datatype Datatype) (*DefaultRule, error) {
	switch datatype {
	case DatatypeDate:
		if str == "now" {
			return &DefaultRule{Kind: DefaultNow}, nil
		}
		if _, err := time.Parse(DateFormat, str); err != nil {
			return nil, fmt.Errorf("invalid date default: %s", str)
		}
		return &DefaultRule{Kind: DefaultConstant, Value: str}, nil
	case DatatypeBoolean:
		b, err := strconv.ParseBool(str)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean default: %s", str)
		}
		return &DefaultRule{Kind: DefaultConstant, Value: b}, nil
	case DatatypeNumber:
		f, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number default: %s", str)
		}
		return &DefaultRule{Kind: DefaultConstant, Value: f}, nil
	case DatatypeString:
		switch str {
		case "current_username":
			return &DefaultRule{Kind: DefaultCurrentUsername}, nil
		case "current_userid":
			return &DefaultRule{Kind: DefaultCurrentUserID}, nil
		case "NULL":
			return &DefaultRule{Kind: DefaultConstant, Value: nil}, nil
		}
	}
	return &DefaultRule{Kind: DefaultConstant, Value: str}, nil
}
