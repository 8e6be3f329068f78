package hl7v2

import (
	"fmt"
	"strings"
)

// Message is a parsed HL7v2 message. The feed uses it to read ACKs.
type Message struct {
	Type      string // MSH-9, e.g. "ACK^A01"
	ControlID string // MSH-10
	Segments  []Segment
}

type Segment struct {
	Name   string
	Fields []string
}

// Parse splits raw into segments and fields. Segments may be separated by
// \r, \n or \r\n.
func Parse(raw []byte) (*Message, error) {
	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	msg := &Message{}
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) < 3 {
			return nil, fmt.Errorf("hl7v2: segment too short: %q", line)
		}
		msg.Segments = append(msg.Segments, parseSegment(line))
	}
	if len(msg.Segments) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}
	if msg.Segments[0].Name != "MSH" {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", msg.Segments[0].Name)
	}

	msh := &msg.Segments[0]
	msg.Type = msh.GetField(9)
	msg.ControlID = msh.GetField(10)
	return msg, nil
}

// parseSegment stores fields so that GetField(n) returns field n. For MSH
// the field separator itself is MSH-1.
func parseSegment(line string) Segment {
	parts := strings.Split(line, "|")
	seg := Segment{Name: parts[0]}
	if seg.Name == "MSH" {
		seg.Fields = append([]string{"|"}, parts[1:]...)
		return seg
	}
	seg.Fields = parts[1:]
	return seg
}

// GetSegment returns the first segment with the given name, or nil.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetField returns field index (1-based), or "" when absent.
func (s *Segment) GetField(index int) string {
	if index < 1 || index > len(s.Fields) {
		return ""
	}
	return s.Fields[index-1]
}

// GetComponent returns component comp (1-based) of the first repetition of
// field index.
func (s *Segment) GetComponent(index, comp int) string {
	rep := strings.SplitN(s.GetField(index), "~", 2)[0]
	parts := strings.Split(rep, "^")
	if comp < 1 || comp > len(parts) {
		return ""
	}
	return parts[comp-1]
}
