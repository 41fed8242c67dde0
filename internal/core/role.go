package core

import "fmt"

// Role is the participant category of a connection.  It is fixed for the
// lifetime of a connection once it has joined a room.
type Role uint8

const (
	// RoleUnknown is the zero value and never admitted into a room.
	RoleUnknown Role = iota
	RoleClinician
	RolePatient
)

// ParseRole converts a wire value into a Role.  Anything other than
// "clinician" or "patient" is rejected.
func ParseRole(s string) (Role, error) {
	switch s {
	case "clinician":
		return RoleClinician, nil
	case "patient":
		return RolePatient, nil
	}
	return RoleUnknown, fmt.Errorf("unknown role %q", s)
}

// String returns the wire representation of the role.
func (r Role) String() string {
	switch r {
	case RoleClinician:
		return "clinician"
	case RolePatient:
		return "patient"
	}
	return "unknown"
}

// Opposite returns the role messages from r are delivered to.
func (r Role) Opposite() Role {
	switch r {
	case RoleClinician:
		return RolePatient
	case RolePatient:
		return RoleClinician
	}
	return RoleUnknown
}

// MarshalText implements encoding.TextMarshaler so roles serialise as
// strings inside transcripts and events.
func (r Role) MarshalText() ([]byte, error) {
	if r != RoleClinician && r != RolePatient {
		return nil, fmt.Errorf("cannot marshal role %d", r)
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
