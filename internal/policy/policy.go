package policy

import (
	"errors"

	"crmgate/internal/model"
)

var (
	// ErrUnknownEntity means the requested endpoint is not in the allowlist.
	ErrUnknownEntity = errors.New("that endpoint is not allowed")
	// ErrOperationNotAllowed means the endpoint exists but does not permit
	// the requested operation kind.
	ErrOperationNotAllowed = errors.New("that endpoint type is not allowed")
	// ErrNotImplemented is returned for operation kinds the gateway
	// recognizes but deliberately does not support (delete, replace).
	ErrNotImplemented = errors.New("that endpoint type has not been implemented")
)

// LinkMode describes how records of an entity are tied to a tenant.
type LinkMode string

const (
	// LinkSelf: the record id itself is the tenant id (the tenant-root
	// Companies entity).
	LinkSelf LinkMode = "self"
	// LinkDirect: the record carries the tenant id in a foreign key field.
	LinkDirect LinkMode = "direct"
	// LinkParent: the record has no tenant field of its own; ownership is
	// resolved through a referenced parent record.
	LinkParent LinkMode = "parent"
)

// EntitySpec is one row of the compiled-in allowlist: which operations an
// entity endpoint permits and how its records are scoped to a tenant.
type EntitySpec struct {
	Name       string
	Operations []model.OperationKind
	Mode       LinkMode

	// LinkField is the tenant-linking field on the record ("id" for the
	// tenant-root entity). Empty for parent-linked entities.
	LinkField string

	// Parent-linked entities only: the parent entity that carries the
	// tenant link, the payload field naming the parent record, and the
	// path segment for child creation under the parent.
	ParentEntity  string
	ParentIDField string
	ChildPath     string
}

// Allows reports whether the entity permits the given operation kind.
func (s EntitySpec) Allows(op model.OperationKind) bool {
	for _, o := range s.Operations {
		if o == op {
			return true
		}
	}
	return false
}

var entities = map[string]EntitySpec{
	"Companies": {
		Name:       "Companies",
		Operations: []model.OperationKind{model.OpQuery, model.OpGet},
		Mode:       LinkSelf,
		LinkField:  "id",
	},
	"CompanyLocations": {
		Name:       "CompanyLocations",
		Operations: []model.OperationKind{model.OpQuery, model.OpGet, model.OpCount},
		Mode:       LinkDirect,
		LinkField:  "companyID",
	},
	"Contacts": {
		Name:       "Contacts",
		Operations: []model.OperationKind{model.OpQuery, model.OpGet, model.OpCount, model.OpUpdate},
		Mode:       LinkDirect,
		LinkField:  "companyID",
	},
	"Contracts": {
		Name:       "Contracts",
		Operations: []model.OperationKind{model.OpQuery, model.OpGet, model.OpCount},
		Mode:       LinkDirect,
		LinkField:  "companyID",
	},
	"ConfigurationItems": {
		Name:       "ConfigurationItems",
		Operations: []model.OperationKind{model.OpQuery, model.OpGet, model.OpCount},
		Mode:       LinkDirect,
		LinkField:  "companyID",
	},
	"Tickets": {
		Name:       "Tickets",
		Operations: []model.OperationKind{model.OpQuery, model.OpGet, model.OpCount, model.OpCreate, model.OpUpdate},
		Mode:       LinkDirect,
		LinkField:  "companyID",
	},
	"TicketNotes": {
		Name:          "TicketNotes",
		Operations:    []model.OperationKind{model.OpCreate},
		Mode:          LinkParent,
		ParentEntity:  "Tickets",
		ParentIDField: "ticketID",
		ChildPath:     "Notes",
	},
}

// Lookup returns the allowlist row for an entity name.
func Lookup(entity string) (EntitySpec, bool) {
	spec, ok := entities[entity]
	return spec, ok
}

// Check validates an (entity, operation) pair against the allowlist. It is
// the first gate on every request: it runs before credential resolution and
// before any backend call, so disallowed requests never generate backend
// load. Recognized-but-unsupported kinds (delete, replace) get a distinct
// not-implemented failure instead of a plain rejection.
func Check(entity string, op model.OperationKind) error {
	spec, ok := entities[entity]
	if !ok {
		return ErrUnknownEntity
	}
	if spec.Allows(op) {
		return nil
	}
	if op == model.OpDelete || op == model.OpReplace {
		return ErrNotImplemented
	}
	return ErrOperationNotAllowed
}
