package protocol

import "fmt"

// OpKind is the kind of a file operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// FileOperation is a completed file operation extracted from model output.
// Content is empty and meaningless for deletes. Path is the trimmed marker
// payload; normalizing it is up to whoever applies the operation.
type FileOperation struct {
	Kind    OpKind `json:"kind"`
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

// HasContent reports whether the operation carries a file body.
func (op FileOperation) HasContent() bool {
	return op.Kind == OpCreate || op.Kind == OpUpdate
}

func (op FileOperation) String() string {
	if !op.HasContent() {
		return fmt.Sprintf("%s %s", op.Kind, op.Path)
	}
	return fmt.Sprintf("%s %s (%d bytes)", op.Kind, op.Path, len(op.Content))
}

func kindOf(k markerKind) OpKind {
	switch k {
	case markerCreate:
		return OpCreate
	case markerUpdate:
		return OpUpdate
	default:
		return OpDelete
	}
}
