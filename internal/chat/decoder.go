// Package chat manages the streaming chat session: message history,
// the anonymous guest identity, and the protocol for consuming the
// chunked response stream.
package chat

import (
	"bytes"
	"encoding/json"
	"strings"

	"portfolio/pkg/domain"
)

const framePrefix = "data: "

// Decoder incrementally turns stream chunks into frames. Chunk
// boundaries carry no meaning on the wire, so the trailing partial
// line is buffered until the newline that completes it arrives.
type Decoder struct {
	rest []byte
}

// Decode consumes the next chunk and returns the frames completed by
// it. Lines without the "data: " prefix are ignored. A "data: " line
// whose payload does not parse stops decoding with a ProtocolError;
// frames completed before it are still returned.
func (d *Decoder) Decode(chunk []byte) ([]domain.Frame, error) {
	d.rest = append(d.rest, chunk...)
	var frames []domain.Frame
	for {
		i := bytes.IndexByte(d.rest, '\n')
		if i < 0 {
			return frames, nil
		}
		line := string(d.rest[:i])
		d.rest = d.rest[i+1:]
		frame, ok, err := parseLine(line)
		if err != nil {
			return frames, err
		}
		if ok {
			frames = append(frames, frame)
		}
	}
}

// Flush decodes whatever remains buffered once the stream has ended,
// covering a final line the server did not terminate with a newline.
func (d *Decoder) Flush() ([]domain.Frame, error) {
	if len(d.rest) == 0 {
		return nil, nil
	}
	line := string(d.rest)
	d.rest = nil
	frame, ok, err := parseLine(line)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return []domain.Frame{frame}, nil
}

func parseLine(line string) (domain.Frame, bool, error) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, framePrefix) {
		return domain.Frame{}, false, nil
	}
	payload := line[len(framePrefix):]
	var frame domain.Frame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		return domain.Frame{}, false, &domain.ProtocolError{Line: line, Err: err}
	}
	return frame, true, nil
}
