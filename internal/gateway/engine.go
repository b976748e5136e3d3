package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"crmgate/internal/model"
	"crmgate/internal/policy"
)

// Backend is the generic CRUD contract the engine requires of the CRM
// backend client. All calls are blocking round trips; a transport-level
// failure is returned as an error distinct from a well-formed empty result.
type Backend interface {
	Get(ctx context.Context, entity string, id int64) (*model.Envelope, error)
	Query(ctx context.Context, entity string, q model.QueryRequest) (*model.Envelope, error)
	Count(ctx context.Context, entity string, q model.QueryRequest) (*model.Envelope, error)
	Create(ctx context.Context, entity string, payload model.Record) (*model.Envelope, error)
	CreateChild(ctx context.Context, parentEntity string, parentID int64, childPath string, payload model.Record) (*model.Envelope, error)
	Update(ctx context.Context, entity string, payload model.Record) (*model.Envelope, error)
}

// Engine executes exactly one operation against the backend such that the
// calling tenant can observe or mutate only its own records, regardless of
// what the request asks for. It holds no mutable state; concurrent requests
// share only the compiled-in policy table.
type Engine struct {
	backend Backend
}

func New(b Backend) *Engine {
	return &Engine{backend: b}
}

// Execute dispatches a scoped request. The (entity, operation) pair is
// re-validated against the allowlist even though the transport checks it
// first, so the engine is safe to call directly.
func (e *Engine) Execute(ctx context.Context, tenantID int64, req model.ScopedRequest) (*model.Envelope, error) {
	if err := policy.Check(req.Entity, req.Operation); err != nil {
		return nil, err
	}
	spec, _ := policy.Lookup(req.Entity)

	// Make sure the tenant-linking field survives caller projections, so
	// ownership checks and post-filtering always have the data they need.
	req.IncludeFields = augmentIncludeFields(spec, req.IncludeFields)

	switch req.Operation {
	case model.OpGet:
		return e.get(ctx, spec, tenantID, req)
	case model.OpQuery:
		return e.query(ctx, spec, tenantID, req)
	case model.OpCount:
		return e.backend.Count(ctx, spec.Name, model.QueryRequest{
			Filter: scopedFilter(spec, tenantID, req.Filters),
		})
	case model.OpCreate:
		return e.create(ctx, spec, tenantID, req)
	case model.OpUpdate:
		return e.update(ctx, spec, tenantID, req)
	}
	return nil, policy.ErrOperationNotAllowed
}

func (e *Engine) get(ctx context.Context, spec policy.EntitySpec, tenantID int64, req model.ScopedRequest) (*model.Envelope, error) {
	if spec.Mode == policy.LinkSelf {
		// The requested id is ignored: a tenant can only ever fetch its
		// own root record.
		return e.backend.Get(ctx, spec.Name, tenantID)
	}

	env, err := e.backend.Get(ctx, spec.Name, req.RecordID)
	if err != nil {
		return nil, err
	}
	if env == nil || env.Item == nil || !ownedBy(env.Item, spec.LinkField, tenantID) {
		return nil, ErrForbidden
	}
	return env, nil
}

func (e *Engine) query(ctx context.Context, spec policy.EntitySpec, tenantID int64, req model.ScopedRequest) (*model.Envelope, error) {
	env, err := e.backend.Query(ctx, spec.Name, model.QueryRequest{
		Filter:        scopedFilter(spec, tenantID, req.Filters),
		IncludeFields: req.IncludeFields,
	})
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, nil
	}

	// Re-filter the result in case the backend did not strictly honor the
	// injected filter, and correct the reported count to match.
	kept := make([]model.Record, 0, len(env.Items))
	for _, item := range env.Items {
		if ownedBy(item, spec.LinkField, tenantID) {
			kept = append(kept, item)
		}
	}
	env.Items = kept
	if env.PageDetails != nil {
		env.PageDetails.Count = len(kept)
	}
	return env, nil
}

func (e *Engine) update(ctx context.Context, spec policy.EntitySpec, tenantID int64, req model.ScopedRequest) (*model.Envelope, error) {
	if req.Payload == nil {
		return nil, ErrBadPayload
	}
	id, ok := recordID(req.Payload, "id")
	if !ok {
		return nil, ErrBadPayload
	}

	// Ownership is verified on the current record before the mutating
	// call; the read is side-effect free so there is nothing to roll back.
	current, err := e.backend.Get(ctx, spec.Name, id)
	if err != nil {
		return nil, err
	}
	if current == nil || current.Item == nil || !ownedBy(current.Item, spec.LinkField, tenantID) {
		return nil, ErrForbidden
	}

	return e.backend.Update(ctx, spec.Name, req.Payload)
}

func (e *Engine) create(ctx context.Context, spec policy.EntitySpec, tenantID int64, req model.ScopedRequest) (*model.Envelope, error) {
	if spec.Mode == policy.LinkParent {
		return e.createChild(ctx, spec, tenantID, req)
	}

	if req.Payload == nil {
		return nil, ErrBadPayload
	}
	v, ok := fieldValue(req.Payload, spec.LinkField)
	if !ok {
		return nil, ErrBadPayload
	}
	id, ok := asID(v)
	if !ok || id != tenantID {
		return nil, ErrForbidden
	}

	return e.backend.Create(ctx, spec.Name, req.Payload)
}

// createChild handles entities with no tenant field of their own: the
// payload names a parent record, and ownership is resolved through the
// parent's tenant link before the child is created under it.
func (e *Engine) createChild(ctx context.Context, spec policy.EntitySpec, tenantID int64, req model.ScopedRequest) (*model.Envelope, error) {
	if req.Payload == nil {
		return nil, ErrBadPayload
	}
	v, ok := fieldValue(req.Payload, spec.ParentIDField)
	if !ok {
		return nil, ErrBadPayload
	}
	parentID, ok := asID(v)
	if !ok {
		return nil, ErrBadPayload
	}

	parent, err := e.backend.Get(ctx, spec.ParentEntity, parentID)
	if err != nil {
		return nil, err
	}
	if parent == nil || parent.Item == nil {
		return nil, fmt.Errorf("%w: no %s record with id %d", ErrBadPayload, spec.ParentEntity, parentID)
	}

	parentSpec, _ := policy.Lookup(spec.ParentEntity)
	pv, ok := fieldValue(parent.Item, parentSpec.LinkField)
	if !ok {
		return nil, fmt.Errorf("%w: parent %s record carries no tenant link", ErrBadPayload, spec.ParentEntity)
	}
	ownerID, ok := asID(pv)
	if !ok {
		return nil, fmt.Errorf("%w: parent %s record carries no tenant link", ErrBadPayload, spec.ParentEntity)
	}
	if ownerID != tenantID {
		return nil, ErrForbidden
	}

	return e.backend.CreateChild(ctx, spec.ParentEntity, parentID, spec.ChildPath, req.Payload)
}

// scopedFilter builds the filter actually sent to the backend: an AND of
// the tenant equality clause and the caller's first filter clause. Any
// additional caller clauses are silently dropped, matching long-standing
// behavior callers depend on.
func scopedFilter(spec policy.EntitySpec, tenantID int64, filters []model.Filter) []model.Filter {
	caller := model.Filter{}
	if len(filters) > 0 {
		caller = filters[0]
	}
	return []model.Filter{{
		Op: "and",
		Items: []model.Filter{
			{Op: "eq", Field: spec.LinkField, Value: tenantID},
			caller,
		},
	}}
}

// augmentIncludeFields appends the tenant-linking field to a caller
// projection when absent. A nil projection means "all fields" and is left
// alone.
func augmentIncludeFields(spec policy.EntitySpec, fields []string) []string {
	if len(fields) == 0 || spec.LinkField == "" {
		return fields
	}
	for _, f := range fields {
		if strings.EqualFold(f, spec.LinkField) {
			return fields
		}
	}
	return append(fields, spec.LinkField)
}

// ownedBy reports whether a record's tenant-linking field equals the
// tenant id. A missing or non-numeric field counts as not owned.
func ownedBy(rec model.Record, field string, tenantID int64) bool {
	v, ok := fieldValue(rec, field)
	if !ok {
		return false
	}
	id, ok := asID(v)
	return ok && id == tenantID
}

// fieldValue looks up a record field by case-insensitive name, since
// callers and the backend are not consistent about field casing.
func fieldValue(rec model.Record, key string) (any, bool) {
	if v, ok := rec[key]; ok {
		return v, true
	}
	for k, v := range rec {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// recordID extracts a numeric id field from a payload.
func recordID(rec model.Record, key string) (int64, bool) {
	v, ok := fieldValue(rec, key)
	if !ok {
		return 0, false
	}
	return asID(v)
}

// asID normalizes the numeric shapes JSON decoding can produce for an id.
func asID(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), n == float64(int64(n))
	case json.Number:
		id, err := n.Int64()
		return id, err == nil
	case string:
		id, err := strconv.ParseInt(n, 10, 64)
		return id, err == nil
	}
	return 0, false
}
