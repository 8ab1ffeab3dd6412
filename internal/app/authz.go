package app

import "vachak/pkg/domain"

// Action names a mutating operation subject to authorization.
type Action string

const (
	ActionCreateBook       Action = "create_book"
	ActionRegenerate       Action = "regenerate"
	ActionDeleteBook       Action = "delete_book"
	ActionToggleVisibility Action = "toggle_visibility"
	ActionFavorite         Action = "favorite"
)

// Decision is an explicit authorization outcome.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// Authorize is the single authorization check performed once per mutating
// operation. book is nil for operations that create state.
func Authorize(p domain.Principal, action Action, book *domain.Book) Decision {
	if p.ID == "" {
		return deny("authentication required")
	}
	switch action {
	case ActionCreateBook:
		if !p.Verified {
			return deny("verified account required to upload")
		}
		return allow()
	case ActionFavorite:
		return allow()
	case ActionRegenerate, ActionDeleteBook, ActionToggleVisibility:
		if book == nil {
			return deny("book required")
		}
		if p.Role == domain.RoleAdmin || book.OwnerID == p.ID {
			return allow()
		}
		return deny("only the owner or an admin may modify this book")
	default:
		return deny("unknown action")
	}
}

// CanReadBook reports whether a principal may view a book.
func CanReadBook(p domain.Principal, book domain.Book) bool {
	if book.Public {
		return true
	}
	return p.Role == domain.RoleAdmin || book.OwnerID == p.ID
}
