package streaming

import (
	"bytes"
	"io"
	"strings"
)

// Upstream emits <thought>…</thought> around reasoning content; OpenAI
// clients expect <think>…</think>.
const (
	upstreamOpen   = "<thought>"
	upstreamClose  = "</thought>"
	convertedOpen  = "<think>"
	convertedClose = "</think>"
)

var markerReplacer = strings.NewReplacer(
	upstreamOpen, convertedOpen,
	upstreamClose, convertedClose,
)

// ReplaceMarkers rewrites upstream thinking markers in a buffered payload.
// It is idempotent on payloads that contain neither marker variant.
func ReplaceMarkers(s string) string {
	return markerReplacer.Replace(s)
}

// ReplaceMarkerBytes is the []byte convenience form.
func ReplaceMarkerBytes(b []byte) []byte {
	if !bytes.Contains(b, []byte("<")) {
		return b
	}
	return []byte(markerReplacer.Replace(string(b)))
}

// maxHold is the longest marker prefix that can straddle a chunk boundary.
const maxHold = len(upstreamClose) - 1

// Rewriter applies marker substitution to a byte stream without buffering
// the whole response. It holds back at most maxHold bytes whenever the chunk
// ends in a partial marker, so tags split across reads are still rewritten.
type Rewriter struct {
	w    io.Writer
	held []byte
}

func NewRewriter(w io.Writer) *Rewriter {
	return &Rewriter{w: w}
}

// Write rewrites and forwards p. The returned count always covers all of p:
// held-back bytes are owned by the rewriter until the next Write or Flush.
func (r *Rewriter) Write(p []byte) (int, error) {
	buf := p
	if len(r.held) > 0 {
		buf = append(r.held, p...)
		r.held = nil
	}

	hold := partialMarkerSuffix(buf)
	emit := buf[:len(buf)-hold]
	if hold > 0 {
		r.held = append([]byte(nil), buf[len(buf)-hold:]...)
	}

	if len(emit) > 0 {
		if _, err := r.w.Write(ReplaceMarkerBytes(emit)); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush emits any held-back partial marker. Call once at stream end.
func (r *Rewriter) Flush() error {
	if len(r.held) == 0 {
		return nil
	}
	held := r.held
	r.held = nil
	_, err := r.w.Write(ReplaceMarkerBytes(held))
	return err
}

// partialMarkerSuffix returns the length of the longest suffix of buf that
// is a proper prefix of either marker.
func partialMarkerSuffix(buf []byte) int {
	max := maxHold
	if len(buf) < max {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		tail := string(buf[len(buf)-n:])
		if strings.HasPrefix(upstreamOpen, tail) || strings.HasPrefix(upstreamClose, tail) {
			return n
		}
	}
	return 0
}
