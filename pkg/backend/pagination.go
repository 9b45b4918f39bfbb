package backend

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Cursor identifies a position in the (createdAt, id) total order that
// every list query is sorted by.
type Cursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// Encode renders the cursor as the opaque, base64-encoded token handed back
// to callers in Page.NextCursor/PrevCursor.
func (c Cursor) Encode() string {
	b, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(b)
}

// DecodeCursor parses a token previously returned by Cursor.Encode.
func DecodeCursor(token string) (Cursor, error) {
	var c Cursor
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return c, fmt.Errorf("backend: invalid cursor: %w", err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("backend: invalid cursor: %w", err)
	}
	return c, nil
}

// Pagination selects a page of a (createdAt, id)-ordered listing. At most
// one of After/Before should be set; Limit defaults to a backend-chosen
// value (e.g. 20) when zero.
type Pagination struct {
	After  string
	Before string
	Limit  int
}

// Page is one page of a cursor-paginated listing.
type Page[T any] struct {
	Items      []T
	NextCursor string
	PrevCursor string
	HasNext    bool
	HasPrev    bool
}
