package rbac

import (
	"strconv"
	"strings"
)

// ObjectRef names an entity either by numeric id or by name.
type ObjectRef struct {
	id   int64
	name string
	byID bool
}

// ByID references an entity by primary key.
func ByID(id int64) ObjectRef {
	return ObjectRef{id: id, byID: true}
}

// ByName references an entity by its unique name.
func ByName(name string) ObjectRef {
	return ObjectRef{name: name}
}

// ParseRef accepts either form: an all-digit string is an id, anything else a name.
func ParseRef(s string) ObjectRef {
	s = strings.TrimSpace(s)
	if id, err := strconv.ParseInt(s, 10, 64); err == nil && id > 0 {
		return ByID(id)
	}
	return ByName(s)
}

// ID returns the id and whether the reference is by id.
func (r ObjectRef) ID() (int64, bool) {
	return r.id, r.byID
}

// Name returns the name and whether the reference is by name.
func (r ObjectRef) Name() (string, bool) {
	return r.name, !r.byID
}

func (r ObjectRef) String() string {
	if r.byID {
		return "#" + strconv.FormatInt(r.id, 10)
	}
	return strconv.Quote(r.name)
}

// IsZero reports an empty reference.
func (r ObjectRef) IsZero() bool {
	return !r.byID && r.name == ""
}
