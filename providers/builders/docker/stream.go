package docker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ahmetb/go-cursor"
	orderedmap "github.com/wk8/go-ordered-map"
)

const layerMark = "‣"

var digestPattern = regexp.MustCompile(`digest: (sha256:[a-f0-9]{64})`)

// StreamError is the error the engine reported inside an otherwise
// successful HTTP response.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return e.Message
}

// Stream is a rendered docker engine JSON stream.
type Stream struct {
	Output []byte
	// ImageID is set by build streams, Digest by push streams
	ImageID string
	Digest  string
}

type streamLine struct {
	Aux *struct {
		ID string `json:"ID"`
	} `json:"aux"`
	ErrorDetail *struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Error    string `json:"error"`
	ID       string `json:"id"`
	Progress string `json:"progress"`
	Status   string `json:"status"`
	Stream   string `json:"stream"`
}

func (m *streamLine) text() string {
	switch {
	case m.Status != "":
		if m.ID != "" {
			return fmt.Sprintf("%s %s: %s", layerMark, strings.TrimSpace(m.ID), strings.TrimSpace(m.Status))
		}
		return fmt.Sprintf("%s %s", layerMark, strings.TrimSpace(m.Status))
	case m.Stream != "":
		return strings.TrimSpace(m.Stream)
	case m.Aux != nil && m.Aux.ID != "":
		return fmt.Sprintf("%s %s", layerMark, m.Aux.ID)
	case m.failure() != "":
		return "[ERROR] " + m.failure()
	}
	return ""
}

func (m *streamLine) failure() string {
	if m.ErrorDetail != nil && m.ErrorDetail.Message != "" {
		return m.ErrorDetail.Message
	}
	return m.Error
}

// renderer keeps the per-layer progress block that pull and push streams
// redraw in place.
type renderer struct {
	out    bytes.Buffer
	layers *orderedmap.OrderedMap
	last   string
}

func (r *renderer) write(m *streamLine) {
	text := m.text()
	if text == "" || text == r.last {
		return
	}
	r.last = text
	if progress := strings.TrimSpace(m.Progress); progress != "" {
		text += " " + progress
	}

	if m.ID == "" {
		fmt.Fprintln(&r.out, text)
		r.layers = orderedmap.New()
		return
	}
	fmt.Fprintf(&r.out, "%s%s\n", cursor.MoveUp(r.layers.Len()+1), cursor.ClearEntireLine())
	r.layers.Set(m.ID, text)
	for p := r.layers.Oldest(); p != nil; p = p.Next() {
		fmt.Fprintf(&r.out, "%s%s\n", p.Value, cursor.ClearLineRight())
	}
}

// ReadStream renders a docker JSON stream for humans. The first error found
// in the stream is returned as a *StreamError along with everything rendered
// so far.
func ReadStream(rd io.Reader) (*Stream, error) {
	r := &renderer{layers: orderedmap.New()}
	s := &Stream{}
	var streamErr *StreamError

	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		m := &streamLine{}
		if err := json.Unmarshal(line, m); err != nil {
			s.Output = r.out.Bytes()
			return s, err
		}

		if msg := m.failure(); msg != "" && streamErr == nil {
			streamErr = &StreamError{Message: msg}
		}
		if m.Aux != nil && strings.HasPrefix(m.Aux.ID, "sha256:") {
			s.ImageID = m.Aux.ID
		}
		if match := digestPattern.FindStringSubmatch(m.Status); match != nil {
			s.Digest = match[1]
		}
		r.write(m)
	}
	s.Output = r.out.Bytes()
	if err := scanner.Err(); err != nil {
		return s, err
	}
	if streamErr != nil {
		return s, streamErr
	}
	return s, nil
}
