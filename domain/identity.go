package domain

// Identity is what the authentication collaborator vouches for.
type Identity struct {
	UserID   string
	TenantID string
}
