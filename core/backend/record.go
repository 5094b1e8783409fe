package backend

import (
	"encoding/base64"
	"sort"
	"time"

	"github.com/apiforge-io/apiforge/core"
	"github.com/apiforge-io/apiforge/core/access"
	"github.com/apiforge-io/apiforge/core/schema"
)

// value sentinels recognized in string-typed body fields
const (
	constantNull            = "NULL"
	constantNow             = "now"
	constantCurrentUsername = "current_username"
	constantCurrentUserID   = "current_userid"
)

// system fields clients can never write directly
var protectedFields = map[string]bool{
	schema.IDKey:          true,
	schema.VersionKey:     true,
	schema.CreatedByKey:   true,
	schema.UpdatedByKey:   true,
	schema.CreatedDateKey: true,
	schema.UpdatedDateKey: true,
}

func actorName(user *access.User) string {
	if user == nil || user.Username == "" {
		return "anonymous"
	}
	return user.Username
}

func nowStamp() string {
	return time.Now().UTC().Format(schema.DateFormat)
}

// buildRecord constructs the document for a new record from the request
// body: undeclared fields are skipped and reported back, declared fields
// are substituted and validated, defaults fill the gaps, and the audit
// stamp is applied. The ACL document is handled separately by the caller.
func buildRecord(model *schema.Model, user *access.User, input map[string]interface{}) (map[string]interface{}, []string, error) {
	doc := map[string]interface{}{}
	skipped := skippedFields(model, input)

	for _, attr := range model.Attributes {
		if protectedFields[attr.Code] || attr.Code == access.Key {
			continue
		}
		value, present := input[attr.Code]
		if present && attr.Type != schema.DatatypeVirtual {
			value = substituteConstants(attr, value, user)
			if value != nil {
				validated, err := validateValue(attr, value)
				if err != nil {
					return nil, nil, err
				}
				doc[attr.Code] = validated
			}
		} else if attr.Default != nil {
			if value := attr.Default.Evaluate(user); value != nil {
				doc[attr.Code] = value
			}
		}
		if attr.Required {
			if _, ok := doc[attr.Code]; !ok {
				return nil, nil, core.Validationf("attribute %s is required", attr.Code)
			}
		}
	}

	if model.Audit {
		stamp := nowStamp()
		doc[schema.CreatedByKey] = actorName(user)
		doc[schema.UpdatedByKey] = actorName(user)
		doc[schema.CreatedDateKey] = stamp
		doc[schema.UpdatedDateKey] = stamp
	}
	return doc, skipped, nil
}

// updateRecord applies the request body onto the stored document. The NULL
// sentinel removes a field; the ACL document and the audit trail survive
// untouched except for the update stamp.
func updateRecord(model *schema.Model, user *access.User, existing, input map[string]interface{}) (map[string]interface{}, []string, error) {
	doc := map[string]interface{}{}
	for key, value := range existing {
		if key == schema.IDKey {
			continue
		}
		doc[key] = value
	}
	skipped := skippedFields(model, input)
	// ownership and permissions only change through chown/chgrp
	if _, ok := input[access.Key]; ok {
		skipped = append(skipped, access.Key)
		sort.Strings(skipped)
	}

	for _, attr := range model.Attributes {
		if protectedFields[attr.Code] || attr.Code == access.Key || attr.Type == schema.DatatypeVirtual {
			continue
		}
		value, present := input[attr.Code]
		if !present {
			continue
		}
		value = substituteConstants(attr, value, user)
		if value == nil {
			delete(doc, attr.Code)
			continue
		}
		validated, err := validateValue(attr, value)
		if err != nil {
			return nil, nil, err
		}
		doc[attr.Code] = validated
	}

	for _, attr := range model.Attributes {
		if !attr.Required {
			continue
		}
		if _, ok := doc[attr.Code]; !ok {
			return nil, nil, core.Validationf("attribute %s is required", attr.Code)
		}
	}

	if model.Audit {
		doc[schema.UpdatedByKey] = actorName(user)
		doc[schema.UpdatedDateKey] = nowStamp()
	}
	return doc, skipped, nil
}

// skippedFields lists the body fields that will not be written: undeclared
// attributes and the protected system fields.
func skippedFields(model *schema.Model, input map[string]interface{}) []string {
	var skipped []string
	for key := range input {
		if key == access.Key {
			continue
		}
		if attr, ok := model.Attribute(key); ok && !protectedFields[key] && attr.Type != schema.DatatypeVirtual {
			continue
		}
		skipped = append(skipped, key)
	}
	sort.Strings(skipped)
	return skipped
}

// substituteConstants resolves the value sentinels in string-typed body
// fields. A nil result means the field is dropped.
func substituteConstants(attr *schema.Attribute, value interface{}, user *access.User) interface{} {
	if value == nil {
		return nil
	}
	s, ok := value.(string)
	if !ok {
		return value
	}
	switch s {
	case constantNull:
		return nil
	case constantNow:
		if attr.Type == schema.DatatypeDate {
			return nowStamp()
		}
	case constantCurrentUsername:
		if attr.Type == schema.DatatypeString {
			if user == nil {
				return nil
			}
			return user.Username
		}
	case constantCurrentUserID:
		if attr.Type == schema.DatatypeString || attr.Type == schema.DatatypeObjectID {
			if user == nil {
				return nil
			}
			return user.ID
		}
	}
	return value
}

func validateValue(attr *schema.Attribute, value interface{}) (interface{}, error) {
	switch attr.Type {
	case schema.DatatypeString:
		return validateString(attr, value)
	case schema.DatatypeNumber:
		f, ok := value.(float64)
		if !ok {
			return nil, core.Validationf("attribute %s must be a number", attr.Code)
		}
		if attr.MinNum != nil && f < *attr.MinNum {
			return nil, core.Validationf("attribute %s is below the minimum of %v", attr.Code, *attr.MinNum)
		}
		if attr.MaxNum != nil && f > *attr.MaxNum {
			return nil, core.Validationf("attribute %s is above the maximum of %v", attr.Code, *attr.MaxNum)
		}
		return f, nil
	case schema.DatatypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, core.Validationf("attribute %s must be a boolean", attr.Code)
		}
		return b, nil
	case schema.DatatypeDate:
		s, ok := value.(string)
		if !ok {
			return nil, core.Validationf("attribute %s must be a date string", attr.Code)
		}
		if err := schema.ParseDateValue(s); err != nil {
			return nil, core.Validationf("attribute %s: %s is not a valid date", attr.Code, s)
		}
		return s, nil
	case schema.DatatypeObjectID:
		s, ok := value.(string)
		if !ok || !core.IsObjectID(s) {
			return nil, core.Validationf("attribute %s must be a record id", attr.Code)
		}
		return s, nil
	case schema.DatatypeBinary:
		return validateBinary(attr, value)
	case schema.DatatypePoint:
		return validatePoint(attr, value)
	case schema.DatatypeArray:
		if _, ok := value.([]interface{}); !ok {
			return nil, core.Validationf("attribute %s must be an array", attr.Code)
		}
		return value, nil
	case schema.DatatypeMixed:
		return value, nil
	}
	return nil, core.Validationf("attribute %s cannot be written", attr.Code)
}

func validateString(attr *schema.Attribute, value interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return nil, core.Validationf("attribute %s must be a string", attr.Code)
	}
	if len(s) < attr.MinLen {
		return nil, core.Validationf("attribute %s is shorter than the minimum length of %d", attr.Code, attr.MinLen)
	}
	if attr.MaxLen > 0 && len(s) > attr.MaxLen {
		return nil, core.Validationf("attribute %s is longer than the maximum length of %d", attr.Code, attr.MaxLen)
	}
	if len(attr.Enum) > 0 {
		found := false
		for _, allowed := range attr.Enum {
			if s == allowed {
				found = true
				break
			}
		}
		if !found {
			return nil, core.Validationf("attribute %s must be one of %v", attr.Code, attr.Enum)
		}
	}
	if attr.Pattern != nil && !attr.Pattern.MatchString(s) {
		return nil, core.Validationf("attribute %s does not match the required pattern", attr.Code)
	}
	return s, nil
}

// validateBinary checks the upload envelope and stamps the decoded payload
// size. The payload stays base64 inside the jsonb document.
func validateBinary(attr *schema.Attribute, value interface{}) (interface{}, error) {
	envelope, ok := value.(map[string]interface{})
	if !ok {
		return nil, core.Validationf("attribute %s must be a binary envelope", attr.Code)
	}
	filename, _ := envelope["filename"].(string)
	mimetype, _ := envelope["mimetype"].(string)
	payload, _ := envelope["binaryData"].(string)
	if filename == "" || mimetype == "" || payload == "" {
		return nil, core.Validationf("attribute %s requires filename, mimetype and binaryData", attr.Code)
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, core.Validationf("attribute %s: binaryData is not valid base64", attr.Code)
	}
	return map[string]interface{}{
		"filename":   filename,
		"mimetype":   mimetype,
		"size":       float64(len(decoded)),
		"binaryData": payload,
	}, nil
}

func validatePoint(attr *schema.Attribute, value interface{}) (interface{}, error) {
	point, ok := value.(map[string]interface{})
	if !ok {
		return nil, core.Validationf("attribute %s must be a geojson point", attr.Code)
	}
	kind, _ := point["type"].(string)
	coords, _ := point["coordinates"].([]interface{})
	if kind != "Point" || len(coords) != 2 {
		return nil, core.Validationf("attribute %s must be a geojson point", attr.Code)
	}
	for _, c := range coords {
		if _, ok := c.(float64); !ok {
			return nil, core.Validationf("attribute %s must carry numeric coordinates", attr.Code)
		}
	}
	return value, nil
}

// aclForInsert resolves the ACL document stamped onto a new record: the
// caller-provided document when structurally valid, the policy default
// otherwise, with the CURRENT_USER sentinel resolved in either case.
func aclForInsert(model *schema.Model, user *access.User, input map[string]interface{}) (*access.ACL, error) {
	if model.ACL != nil && model.ACL.Disabled {
		return nil, nil
	}
	acl := model.ACL.DefaultACL()
	if _, ok := input[access.Key]; ok {
		provided, err := access.FromDocument(input)
		if err != nil {
			return nil, core.Validationf("invalid %s document", access.Key)
		}
		acl = provided
	}
	acl.SetDefaults(user)
	return acl, nil
}
