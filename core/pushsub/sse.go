package pushsub

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// Event is one named, JSON-payload push event.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// readEvents scans an SSE body (records separated by a blank line, each
// holding "event: NAME" and "data: JSON" lines) and invokes handle once per
// well-formed event. Malformed or empty payloads are logged and skipped;
// they never abort the scan. Returns when the body is exhausted or ctx-driven
// cancellation closes the underlying reader.
func readEvents(body io.Reader, handle func(Event)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var name string
	var data strings.Builder

	flush := func() {
		defer func() {
			name = ""
			data.Reset()
		}()

		if name == "" && data.Len() == 0 {
			return
		}

		raw := strings.TrimSpace(data.String())
		if raw == "" {
			if name == "" {
				return
			}
			// A named event with no data line (e.g. a bare "event: heartbeat")
			// still counts as received: the watchdog must see it to avoid a
			// false stale-connection reconnect.
			handle(Event{Name: name, Payload: json.RawMessage("null")})
			return
		}

		if !json.Valid([]byte(raw)) {
			logger.Warn("pushsub: skipping malformed event payload", "event", name)
			return
		}

		if name == "" {
			name = "message"
		}

		handle(Event{Name: name, Payload: json.RawMessage(raw)})
	}

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment / keepalive padding line, ignored
		}
	}

	flush()
	return scanner.Err()
}
