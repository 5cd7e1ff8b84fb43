package events

// Kind enumerates the domain events the core knows how to carry. Application
// specific events travel as KindCustom with their own name.
type Kind uint8

const (
	KindCustom Kind = iota
	KindTaskCreated
	KindTaskUpdated
	KindTaskDeleted
	KindCommentAdded
	KindCommentUpdated
	KindProjectUpdated
	KindPresenceUpdated
	KindTypingUpdated
	KindDocumentChanged
)

var kindNames = [...]string{
	KindCustom:          "custom",
	KindTaskCreated:     "task.created",
	KindTaskUpdated:     "task.updated",
	KindTaskDeleted:     "task.deleted",
	KindCommentAdded:    "comment.added",
	KindCommentUpdated:  "comment.updated",
	KindProjectUpdated:  "project.updated",
	KindPresenceUpdated: "presence.updated",
	KindTypingUpdated:   "typing.updated",
	KindDocumentChanged: "document.changed",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// ParseKind maps a wire type to a Kind. Unknown names report false and should be
// carried as KindCustom.
func ParseKind(name string) (Kind, bool) {
	for i, n := range kindNames {
		if Kind(i) != KindCustom && n == name {
			return Kind(i), true
		}
	}
	return KindCustom, false
}

// IsEntity reports whether events of this kind carry an EntityChange payload.
func (k Kind) IsEntity() bool {
	switch k {
	case KindTaskCreated, KindTaskUpdated, KindTaskDeleted,
		KindCommentAdded, KindCommentUpdated, KindProjectUpdated:
		return true
	}
	return false
}
