package raft

import (
	"encoding/binary"
	"fmt"
)

// Role is the membership role of a server in a Configuration.
type Role uint8

const (
	RoleStandby Role = iota // Replicates the log, does not participate in quorum.
	RoleVoter                // Replicates the log and participates in quorum.
	RoleSpare                // Neither replicates nor participates in quorum.
)

func (r Role) valid() bool {
	return r == RoleStandby || r == RoleVoter || r == RoleSpare
}

// Server describes a single member of the cluster.
type Server struct {
	ID      uint64
	Address string
	Role    Role
}

// Configuration is an ordered list of servers that make up the cluster
// membership.
type Configuration struct {
	Servers []Server
}

// Add appends a new server to the configuration.
func (c *Configuration) Add(id uint64, address string, role Role) error {
	if id == 0 {
		return NewError(ErrBadID, "server id must be greater than zero")
	}
	if !role.valid() {
		return NewError(ErrBadRole, "role %d is not valid", role)
	}
	for _, s := range c.Servers {
		if s.ID == id {
			return NewError(ErrDuplicateID, "server %d already present", id)
		}
		if s.Address == address {
			return NewError(ErrDuplicateAddress, "address %q already present", address)
		}
	}
	c.Servers = append(c.Servers, Server{ID: id, Address: address, Role: role})
	return nil
}

// Remove removes the server with the given id.
func (c *Configuration) Remove(id uint64) error {
	idx := c.IndexOf(id)
	if idx < 0 {
		return NewError(ErrBadID, "server %d not found", id)
	}
	c.Servers = append(c.Servers[:idx], c.Servers[idx+1:]...)
	return nil
}

// Get returns the server with the given id and whether it was found.
func (c *Configuration) Get(id uint64) (Server, bool) {
	idx := c.IndexOf(id)
	if idx < 0 {
		return Server{}, false
	}
	return c.Servers[idx], true
}

// IndexOf returns the position of the server with the given id, or -1.
func (c *Configuration) IndexOf(id uint64) int {
	for i, s := range c.Servers {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// IndexOfVoter returns the position of id among voters only, or -1 if id is
// not a voter or is not present.
func (c *Configuration) IndexOfVoter(id uint64) int {
	voterPos := 0
	for _, s := range c.Servers {
		if s.Role != RoleVoter {
			continue
		}
		if s.ID == id {
			return voterPos
		}
		voterPos++
	}
	return -1
}

// VoterCount returns the number of servers with RoleVoter.
func (c *Configuration) VoterCount() int {
	n := 0
	for _, s := range c.Servers {
		if s.Role == RoleVoter {
			n++
		}
	}
	return n
}

// Copy returns a deep copy of c.
func (c *Configuration) Copy() Configuration {
	out := Configuration{Servers: make([]Server, len(c.Servers))}
	copy(out.Servers, c.Servers)
	return out
}

const configurationWireVersion = 1

// Encode serializes c using a compact fixed wire format:
// [version:u8][n_servers:u64]{id:u64, address:utf8_nul_terminated, role:u8}
// padded to an 8-byte boundary.
func (c *Configuration) Encode() ([]byte, error) {
	buf := make([]byte, 0, 16+len(c.Servers)*24)
	buf = append(buf, configurationWireVersion)
	var nbuf [8]byte
	binary.LittleEndian.PutUint64(nbuf[:], uint64(len(c.Servers)))
	buf = append(buf, nbuf[:]...)

	for _, s := range c.Servers {
		var idbuf [8]byte
		binary.LittleEndian.PutUint64(idbuf[:], s.ID)
		buf = append(buf, idbuf[:]...)
		buf = append(buf, []byte(s.Address)...)
		buf = append(buf, 0)
		buf = append(buf, byte(s.Role))
	}
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	return buf, nil
}

// Decode parses buf produced by Encode. It fails with ErrMalformed on an
// unknown version, a truncated address (no NUL within the remaining
// buffer), or duplicated server IDs.
func Decode(buf []byte) (Configuration, error) {
	var c Configuration
	if len(buf) < 9 {
		return c, NewError(ErrMalformed, "buffer too short")
	}
	version := buf[0]
	if version != configurationWireVersion {
		return c, NewError(ErrMalformed, "unknown configuration version %d", version)
	}
	n := binary.LittleEndian.Uint64(buf[1:9])
	pos := 9

	seen := make(map[uint64]struct{}, n)
	for i := uint64(0); i < n; i++ {
		if pos+8 > len(buf) {
			return Configuration{}, NewError(ErrMalformed, "truncated server id")
		}
		id := binary.LittleEndian.Uint64(buf[pos : pos+8])
		pos += 8

		nul := -1
		for j := pos; j < len(buf); j++ {
			if buf[j] == 0 {
				nul = j
				break
			}
		}
		if nul < 0 {
			return Configuration{}, NewError(ErrMalformed, "truncated address: no NUL terminator")
		}
		address := string(buf[pos:nul])
		pos = nul + 1

		if pos >= len(buf) {
			return Configuration{}, NewError(ErrMalformed, "truncated role")
		}
		role := Role(buf[pos])
		pos++

		if !role.valid() {
			return Configuration{}, NewError(ErrMalformed, "invalid role %d", role)
		}
		if _, dup := seen[id]; dup {
			return Configuration{}, NewError(ErrMalformed, "duplicated server id %d", id)
		}
		seen[id] = struct{}{}

		c.Servers = append(c.Servers, Server{ID: id, Address: address, Role: role})
	}
	return c, nil
}

func (r Role) String() string {
	switch r {
	case RoleVoter:
		return "voter"
	case RoleStandby:
		return "standby"
	case RoleSpare:
		return "spare"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}
