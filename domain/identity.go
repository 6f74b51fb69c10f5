package domain

// Identity is a known user: able to authenticate, hold task assignments and
// appear in the presence roster.
type Identity struct {
	ID    string `json:"identityId"`
	Label string `json:"label"`
}
