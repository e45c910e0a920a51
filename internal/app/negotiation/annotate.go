package negotiation

import (
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// Annotator rewrites an outgoing description before it is applied locally
// and transmitted. Both roles run the same annotator on their own output.
type Annotator interface {
	Annotate(webrtc.SessionDescription) (webrtc.SessionDescription, error)
}

// AnnotatorFunc adapts a function to Annotator.
type AnnotatorFunc func(webrtc.SessionDescription) (webrtc.SessionDescription, error)

func (f AnnotatorFunc) Annotate(d webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return f(d)
}

// Passthrough leaves descriptions untouched.
var Passthrough = AnnotatorFunc(func(d webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return d, nil
})

// BandwidthCap adds "b=AS:<KBps>" to every video media section, right after
// the section header. An existing AS line in that section is replaced, so
// annotating twice yields the same description.
type BandwidthCap struct {
	KBps uint64
}

func (b BandwidthCap) Annotate(desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if b.KBps == 0 {
		return desc, nil
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return desc, fmt.Errorf("annotate: %w", err)
	}
	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		kept := md.Bandwidth[:0]
		for _, bw := range md.Bandwidth {
			if bw.Type != "AS" {
				kept = append(kept, bw)
			}
		}
		md.Bandwidth = append([]sdp.Bandwidth{{Type: "AS", Bandwidth: b.KBps}}, kept...)
	}
	out, err := parsed.Marshal()
	if err != nil {
		return desc, fmt.Errorf("annotate: %w", err)
	}
	desc.SDP = string(out)
	return desc, nil
}

// ValidateDescription checks that desc carries a parseable SDP body.
func ValidateDescription(desc webrtc.SessionDescription) error {
	if desc.SDP == "" {
		return fmt.Errorf("empty %s", desc.Type)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return err
	}
	return nil
}
