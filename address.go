// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package roam

import (
	"fmt"
	"strings"
)

// An Address is the physical route of an entity: the scene that owns it in the
// high 32 bits, and a sequence number assigned by that scene in the low 32
// bits. Sequence numbers are never reused within a scene, so an address also
// serves as the runtime identity of a registration: if an entity is removed
// and a new one registered under the same logical id, the two have different
// addresses.
//
// A scene is its own root entity, with sequence 0.
type Address int64

// MakeAddress constructs an address from a scene id and sequence number.
func MakeAddress(scene, seq uint32) Address { return Address(int64(scene)<<32 | int64(seq)) }

// Scene reports the scene component of a.
func (a Address) Scene() uint32 { return uint32(uint64(a) >> 32) }

// Seq reports the sequence component of a.
func (a Address) Seq() uint32 { return uint32(a) }

// IsScene reports whether a addresses a scene itself rather than an entity in
// it.
func (a Address) IsScene() bool { return a.Seq() == 0 }

func (a Address) String() string { return fmt.Sprintf("%d/%d", a.Scene(), a.Seq()) }

// SplitAddress parses a network address string to guess a network type and
// target.
//
// If s does not have the form [host]:port, the network is "unix". The network
// is also "unix" if port == "", port contains characters other than ASCII
// letters, digits, and "-", or host contains a "/". Otherwise the network is
// "tcp". SplitAddress does not check that the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a service name or port number.
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
