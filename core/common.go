package core

import (
	"strings"

	"github.com/goccy/go-json"
)

// Operation represents a backend storage operation, one of Create, Read, Update, Delete, List, Count
type Operation string

// all supported database operations
const (
	OperationCreate Operation = "create"
	OperationRead   Operation = "read"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationList   Operation = "list"
	OperationCount  Operation = "count"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	switch *o {
	case OperationCreate, OperationRead, OperationUpdate, OperationDelete, OperationList, OperationCount:
		return nil
	default:
		return InvalidArgumentf("%s is not a valid operation", s)
	}
}

// Values is the normalized one-or-many representation of a query parameter.
// Parameters arrive either as a single string, a comma separated string, or
// as a repeated parameter; all downstream logic works on the flat sequence.
type Values []string

// SplitValues normalizes raw query parameter values into a flat sequence.
// Each raw value is split on commas, so ?a=1,2&a=3 yields [1 2 3].
func SplitValues(raw []string) Values {
	var values Values
	for _, v := range raw {
		values = append(values, strings.Split(v, ",")...)
	}
	return values
}

// First returns the first value, or the empty string if there is none.
func (v Values) First() string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}
