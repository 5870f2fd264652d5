package stanza

import "strings"

// JID is an opaque addressable peer identity. Two JIDs are equal when their
// full string forms are equal; no normalization is applied.
type JID string

// Full returns the complete string form of the JID.
func (j JID) Full() string { return string(j) }

// Bare returns the JID without its resource part.
func (j JID) Bare() string {
	if i := strings.IndexByte(string(j), '/'); i >= 0 {
		return string(j[:i])
	}
	return string(j)
}

// Resource returns the resource part of the JID, or "" when absent.
func (j JID) Resource() string {
	if i := strings.IndexByte(string(j), '/'); i >= 0 {
		return string(j[i+1:])
	}
	return ""
}

// IsEmpty reports whether the JID is unset.
func (j JID) IsEmpty() bool { return len(j) == 0 }

func (j JID) String() string { return string(j) }
