package loop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/droverhq/drover/toolcall"
)

// Delimiters of the control envelope embedded in continuation messages.
const (
	PacketOpen  = "[LOOP_CONTROL]"
	PacketClose = "[/LOOP_CONTROL]"
)

// Packet is the control packet the model conditions on: where the loop
// stands and how many turns remain. It is embedded verbatim in the text sent
// back to the model and is the single source of truth for loop progress.
type Packet struct {
	State               ControlState
	Iteration           int
	MaxIterations       int
	RemainingIterations int

	// Extra carries fields beyond the core four. Their raw bytes survive a
	// parse/build round trip untouched, so hosts can attach free-form data
	// (filesChanged, note) without the loop interpreting it.
	Extra map[string]json.RawMessage
}

// NewPacket builds a packet with RemainingIterations derived from the other
// fields.
func NewPacket(state ControlState, iteration, maxIterations int) Packet {
	return Packet{
		State:               state,
		Iteration:           iteration,
		MaxIterations:       maxIterations,
		RemainingIterations: maxIterations - iteration,
	}
}

// Next returns the packet advanced by one turn: iteration incremented,
// remaining recomputed, state and extras carried over.
func (p Packet) Next() Packet {
	p.Iteration++
	p.RemainingIterations = p.MaxIterations - p.Iteration
	return p
}

// MarshalJSON writes the core fields in fixed order followed by the extra
// fields sorted by key. Extra values are written raw, never re-encoded.
func (p Packet) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, `{"state":%q,"iteration":%d,"maxIterations":%d,"remainingIterations":%d`,
		string(p.State), p.Iteration, p.MaxIterations, p.RemainingIterations)
	keys := make([]string, 0, len(p.Extra))
	for k := range p.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name, _ := json.Marshal(k)
		b.WriteByte(',')
		b.Write(name)
		b.WriteByte(':')
		b.Write(p.Extra[k])
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// UnmarshalJSON splits the object into the core fields and Extra. Core
// fields that fail to decode are left at their zero value; tolerance over
// strictness, since packets come back through model output.
func (p *Packet) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	take := func(key string, dst any) {
		if raw, ok := fields[key]; ok {
			_ = json.Unmarshal(raw, dst)
			delete(fields, key)
		}
	}
	var state string
	take("state", &state)
	p.State = ControlState(state)
	take("iteration", &p.Iteration)
	take("maxIterations", &p.MaxIterations)
	take("remainingIterations", &p.RemainingIterations)
	if len(fields) > 0 {
		p.Extra = fields
	} else {
		p.Extra = nil
	}
	return nil
}

// Envelope serializes the packet inside its delimiters. MarshalJSON is
// called directly so extra-field bytes bypass the json package's compaction
// and round-trip exactly.
func (p Packet) Envelope() string {
	data, _ := p.MarshalJSON()
	return PacketOpen + " " + string(data) + " " + PacketClose
}

// ParsePacket extracts the most recent control packet from a text blob. The
// envelope may be surrounded by prose; a missing closing delimiter or a
// truncated object still parses when the JSON is recoverable. Earlier
// envelopes are tried when the most recent one is unreadable.
func ParsePacket(text string) (Packet, bool) {
	for idx := strings.LastIndex(text, PacketOpen); idx != -1; idx = strings.LastIndex(text[:idx], PacketOpen) {
		body := text[idx+len(PacketOpen):]
		if end := strings.Index(body, PacketClose); end != -1 {
			body = body[:end]
		}
		fragment, ok := toolcall.FirstObject(body)
		if !ok {
			continue
		}
		var p Packet
		if err := json.Unmarshal([]byte(fragment), &p); err != nil {
			continue
		}
		return p, true
	}
	return Packet{}, false
}

// ParseState extracts the state field of the most recent control packet in
// text, reporting false when no packet with a valid state is present.
func ParseState(text string) (ControlState, bool) {
	p, ok := ParsePacket(text)
	if !ok || !ValidState(p.State) {
		return "", false
	}
	return p.State, true
}
