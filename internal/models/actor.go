package models

const (
	RoleUser  = "user"
	RoleStore = "store"
	RoleAdmin = "admin"
)

// Actor est l'identité extraite du jeton Bearer
type Actor struct {
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Role    string `json:"role"`
	StoreID string `json:"store_id,omitempty"`
}

func (a Actor) IsStore() bool { return a.Role == RoleStore }
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// CanSee indique si l'acteur est partie prenante de la demande
func (a Actor) CanSee(r *ECRequest) bool {
	switch a.Role {
	case RoleAdmin:
		return true
	case RoleStore:
		return a.StoreID != "" && a.StoreID == r.StoreID
	case RoleUser:
		return a.UserID == r.UserID
	}
	return false
}
