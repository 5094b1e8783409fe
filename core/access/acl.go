package access

import (
	"sort"

	"github.com/goccy/go-json"

	"github.com/apiforge-io/apiforge/core"
	"github.com/apiforge-io/apiforge/core/csql"
)

// Permission is a bitmask over the three record operations.
type Permission int

// permission bits; the integer values are part of the persisted record
// layout and must never change
const (
	PermissionNone   Permission = 0
	PermissionRead   Permission = 1 // rightmost bit
	PermissionUpdate Permission = 2 // middle bit
	PermissionDelete Permission = 4 // leftmost bit

	PermissionAll = PermissionRead | PermissionUpdate | PermissionDelete
)

// CurrentUser is the sentinel owner/group key in a configured default ACL.
// It is replaced with the authenticated user's id when a record is created.
const CurrentUser = "CURRENT_USER"

// Key is the attribute code under which the ACL document is embedded on
// every record.
const Key = "_acl"

// ACL is the access control sub-document embedded on every record.
type ACL struct {
	Public Permission            `json:"public"`
	Owner  map[string]Permission `json:"owner"`
	Groups map[string]Permission `json:"groups"`
}

// Clone returns a deep copy. Configured defaults are cloned onto each new
// record so records never share owner or group maps.
func (a *ACL) Clone() *ACL {
	clone := &ACL{
		Public: a.Public,
		Owner:  make(map[string]Permission, len(a.Owner)),
		Groups: make(map[string]Permission, len(a.Groups)),
	}
	for k, v := range a.Owner {
		clone.Owner[k] = v
	}
	for k, v := range a.Groups {
		clone.Groups[k] = v
	}
	return clone
}

// SetDefaults replaces the CURRENT_USER sentinel key in the owner and group
// maps with the actual authenticated user id, preserving the configured
// permission value. It only makes sense on not-yet-persisted records.
func (a *ACL) SetDefaults(user *User) {
	if user == nil {
		return
	}
	for _, m := range []map[string]Permission{a.Owner, a.Groups} {
		if perms, ok := m[CurrentUser]; ok {
			m[user.ID] = perms
			delete(m, CurrentUser)
		}
	}
}

// Chown transfers ownership to the given user id. The existing owner's
// permission value is carried over to the new owner key; ownership transfer
// moves permission bits, it does not grant a fresh default.
func (a *ACL) Chown(ownerID string) {
	if a.Owner == nil {
		a.Owner = map[string]Permission{}
	}
	perms := PermissionNone
	keys := make([]string, 0, len(a.Owner))
	for k := range a.Owner {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		perms = a.Owner[k]
	}
	a.Owner = map[string]Permission{ownerID: perms}
}

// SetOwner replaces the owner map with an explicit single-entry map.
func (a *ACL) SetOwner(owner map[string]Permission) error {
	if len(owner) != 1 {
		return core.InvalidArgumentf("invalid owner value, expecting exactly one {user_id: permissions} entry")
	}
	a.Owner = owner
	return nil
}

// Chgrp adds or replaces the permission value for one group.
func (a *ACL) Chgrp(group string, perms Permission) {
	if group == "" {
		return
	}
	if a.Groups == nil {
		a.Groups = map[string]Permission{}
	}
	a.Groups[group] = perms
}

// Policy is the entity-level access control configuration.
type Policy struct {
	// Disabled turns the ACL plugin off for this entity entirely.
	Disabled bool `json:"disabled"`
	// Default is the ACL stamped onto new records; missing pieces fall
	// back to public=all and owner={CURRENT_USER: all}.
	Default *ACL `json:"default"`
	// Create lists the groups allowed to create records. Empty means open.
	Create []string `json:"create"`
}

// DefaultACL returns the ACL to stamp onto a new record according to the
// policy, with all fallbacks applied.
func (p *Policy) DefaultACL() *ACL {
	acl := &ACL{
		Public: PermissionAll,
		Owner:  map[string]Permission{CurrentUser: PermissionAll},
		Groups: map[string]Permission{},
	}
	if p != nil && p.Default != nil {
		if p.Default.Owner != nil {
			acl.Owner = p.Default.Owner
		}
		if p.Default.Groups != nil {
			acl.Groups = p.Default.Groups
		}
		acl.Public = p.Default.Public
	}
	return acl.Clone()
}

// CreateGroups returns the groups required to create a record.
func (p *Policy) CreateGroups() []string {
	if p == nil {
		return nil
	}
	return p.Create
}

// CheckCreate verifies the user belongs to at least one of the configured
// create groups. An empty list means creation is open to everybody.
func (p *Policy) CheckCreate(user *User) error {
	groups := p.CreateGroups()
	if len(groups) == 0 {
		return nil
	}
	if user != nil {
		for _, group := range groups {
			for _, userGroup := range user.Groups {
				if group == userGroup {
					return nil
				}
			}
		}
	}
	return core.PermissionDeniedf("creating records requires one of the groups %v", groups)
}

// permissionBit maps a storage operation onto the permission bit the ACL
// document must carry for it.
func permissionBit(operation core.Operation) Permission {
	switch operation {
	case core.OperationRead, core.OperationList, core.OperationCount:
		return PermissionRead
	case core.OperationUpdate:
		return PermissionUpdate
	case core.OperationDelete:
		return PermissionDelete
	}
	return PermissionNone
}

// Clause builds the visibility condition for the given operation and user:
// the record is visible if the public bitmask, the user's owner entry or any
// of the user's group entries carries the operation's bit. An unrecognized
// operation yields a clause matching nothing.
func Clause(operation core.Operation, user *User) csql.Fragment {
	bit := permissionBit(operation)
	if bit == PermissionNone {
		return csql.False
	}

	parts := []csql.Fragment{
		csql.Frag(`(COALESCE(doc->'`+Key+`'->>'public','0')::int & ?) <> 0`, int(bit)),
	}
	if user != nil {
		if user.ID != "" {
			parts = append(parts,
				csql.Frag(`(COALESCE(doc->'`+Key+`'->'owner'->>?,'0')::int & ?) <> 0`, user.ID, int(bit)))
		}
		for _, group := range user.Groups {
			parts = append(parts,
				csql.Frag(`(COALESCE(doc->'`+Key+`'->'groups'->>?,'0')::int & ?) <> 0`, group, int(bit)))
		}
	}
	return csql.Or(parts...)
}

// FromDocument extracts the ACL sub-document from a record document.
func FromDocument(doc map[string]interface{}) (*ACL, error) {
	raw, ok := doc[Key]
	if !ok {
		return nil, core.NotFoundf("record carries no ACL document")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, core.Internalf(err, "cannot read ACL document")
	}
	var acl ACL
	if err := json.Unmarshal(data, &acl); err != nil {
		return nil, core.Internalf(err, "cannot read ACL document")
	}
	return &acl, nil
}
