// Package models defines the domain types for fieldsmith.
package models

// Note is a transient copy of a note owned by the note store.
type Note struct {
	ID     int64             `json:"note_id"`
	Fields map[string]string `json:"fields"`
}

// Field returns the value of name and whether the note has that field.
func (n Note) Field(name string) (string, bool) {
	v, ok := n.Fields[name]
	return v, ok
}
