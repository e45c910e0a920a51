package commands

import (
	"fmt"
	"io"

	"github.com/dkeye/Duet/internal/app/session"
	"github.com/dkeye/Duet/internal/domain"
)

// presenter prints what changed between two snapshots.
type presenter struct {
	out      io.Writer
	phase    domain.Phase
	presence int
	lines    int
}

func newPresenter(out io.Writer) *presenter {
	return &presenter{out: out, presence: -1}
}

func (p *presenter) Render(st session.State) {
	if st.Phase != p.phase {
		p.phase = st.Phase
		fmt.Fprintf(p.out, "* %s\n", st.Phase)
		if st.Phase == domain.PhaseClosed && st.Reason != "" {
			fmt.Fprintf(p.out, "* session ended: %s\n", st.Reason)
		}
	}
	if st.Presence != p.presence && st.Presence > 0 {
		p.presence = st.Presence
		fmt.Fprintf(p.out, "* %d online\n", st.Presence)
	}
	for _, m := range st.Transcript[min(p.lines, len(st.Transcript)):] {
		fmt.Fprintf(p.out, "%s: %s\n", m.Sender, m.Text)
	}
	p.lines = len(st.Transcript)
}
