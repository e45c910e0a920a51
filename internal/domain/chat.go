package domain

type Sender int

const (
	SenderSelf Sender = iota
	SenderRemote
)

func (s Sender) String() string {
	if s == SenderSelf {
		return "you"
	}
	return "stranger"
}

// ChatMessage is immutable once appended to a transcript.
type ChatMessage struct {
	Sender   Sender
	Text     string
	Sequence int
}
