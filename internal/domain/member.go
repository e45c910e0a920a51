package domain

// Member is the relay's view of one connected client.
// No transport or lifecycle logic here.
type Member struct {
	ID   PeerID
	Role Role
}

func NewMember(id PeerID) *Member {
	return &Member{ID: id}
}
