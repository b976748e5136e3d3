package model

// OperationKind identifies one of the backend CRUD operation families a
// caller can request against an entity endpoint.
type OperationKind string

const (
	OpGet     OperationKind = "get"
	OpQuery   OperationKind = "query"
	OpCount   OperationKind = "count"
	OpCreate  OperationKind = "create"
	OpUpdate  OperationKind = "update"
	OpDelete  OperationKind = "delete"
	OpReplace OperationKind = "replace"
)

// Filter is a single clause of a backend query filter. Compound clauses
// (op "and"/"or") carry nested clauses in Items; leaf clauses carry
// Field/Value. All fields are omitempty so that an empty clause marshals
// as {}, which the backend treats as a no-op condition.
type Filter struct {
	Op    string   `json:"op,omitempty"`
	Field string   `json:"field,omitempty"`
	Value any      `json:"value,omitempty"`
	Items []Filter `json:"items,omitempty"`
}

// Record is an opaque backend record. The gateway never interprets entity
// fields beyond the tenant-linking field it scopes by.
type Record map[string]any

// PageDetails mirrors the backend's paging metadata on query results.
type PageDetails struct {
	Count       int     `json:"count"`
	RequestID   string  `json:"requestId,omitempty"`
	PrevPageURL *string `json:"prevPageUrl,omitempty"`
	NextPageURL *string `json:"nextPageUrl,omitempty"`
}

// Envelope is the backend's uniform result shape: single-record results
// populate Item, collection results populate Items (+ PageDetails), count
// results populate QueryCount, and create/update results populate ItemID.
type Envelope struct {
	Item        Record       `json:"item,omitempty"`
	Items       []Record     `json:"items,omitempty"`
	PageDetails *PageDetails `json:"pageDetails,omitempty"`
	QueryCount  *int64       `json:"queryCount,omitempty"`
	ItemID      *int64       `json:"itemId,omitempty"`
}

// QueryRequest is the body of a backend query or count call.
type QueryRequest struct {
	Filter        []Filter `json:"filter"`
	IncludeFields []string `json:"includeFields,omitempty"`
}

// ScopedRequest is the normalized inbound request after transport parsing,
// ready for policy checking and scoped execution.
type ScopedRequest struct {
	Entity        string
	Operation     OperationKind
	RecordID      int64
	Filters       []Filter
	IncludeFields []string
	Payload       Record
}
