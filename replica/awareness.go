package replica

// Entry is one user's ephemeral presence: cursor, display name, color.
// Entries are last-write-wins by wall-clock timestamp and disappear
// when the user leaves or stops refreshing; they are never part of the
// replicated document.
type Entry struct {
	UserID    string  `json:"userId"`
	Name      string  `json:"name,omitempty"`
	Color     string  `json:"color,omitempty"`
	CursorX   float64 `json:"cursorX"`
	CursorY   float64 `json:"cursorY"`
	UpdatedAt int64   `json:"updatedAt"` // unix milliseconds
}

// EntryPatch is a partial awareness update; nil fields keep their
// current value.
type EntryPatch struct {
	Name    *string
	Color   *string
	CursorX *float64
	CursorY *float64
}

func (e *Entry) apply(p EntryPatch) {
	if p.Name != nil {
		e.Name = *p.Name
	}
	if p.Color != nil {
		e.Color = *p.Color
	}
	if p.CursorX != nil {
		e.CursorX = *p.CursorX
	}
	if p.CursorY != nil {
		e.CursorY = *p.CursorY
	}
}
