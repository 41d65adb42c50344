package models

import "time"

// Machine is a pool member as stored in the machines table. The admin
// credential never leaves the process through JSON.
type Machine struct {
	ID              int64      `db:"id" json:"-"`
	Name            string     `db:"name" json:"name"`
	Host            string     `db:"host" json:"host"`
	Port            int        `db:"port" json:"port"`
	AdminUser       string     `db:"admin_user" json:"admin_user"`
	AdminCredential string     `db:"admin_credential" json:"-"`
	Enabled         bool       `db:"enabled" json:"enabled"`
	Online          bool       `db:"online" json:"online"`
	Reserved        bool       `db:"reserved" json:"reserved"`
	ReservedBy      *string    `db:"reserved_by" json:"reserved_by,omitempty"`
	ReservedUntil   *time.Time `db:"reserved_until" json:"reserved_until,omitempty"`
	HoldToken       *string    `db:"hold_token" json:"-"`
	HeldUntil       *time.Time `db:"held_until" json:"-"`
	LastSeenAt      *time.Time `db:"last_seen_at" json:"last_seen_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// Eligible reports whether the machine may be selected for a new lease at now.
func (m *Machine) Eligible(now time.Time) bool {
	if !m.Enabled || !m.Online || m.Reserved {
		return false
	}
	return m.HeldUntil == nil || !m.HeldUntil.After(now)
}

// Endpoint returns the caller-facing connection info of the machine.
func (m *Machine) Endpoint() Endpoint {
	return Endpoint{Name: m.Name, Host: m.Host, Port: m.Port}
}

// Endpoint is what a lease holder needs to reach a machine.
type Endpoint struct {
	Name string `json:"machine"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// MachineSpec describes a machine at registration time.
type MachineSpec struct {
	Name            string `json:"name" yaml:"name"`
	Host            string `json:"host" yaml:"host"`
	Port            int    `json:"port" yaml:"port"`
	AdminUser       string `json:"admin_user" yaml:"user"`
	AdminCredential string `json:"admin_credential" yaml:"password"`
	Enabled         *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Online          *bool  `json:"online,omitempty" yaml:"online,omitempty"`
}

// MachineUpdate carries the administrative flags that may be changed after
// registration. Nil fields are left untouched.
type MachineUpdate struct {
	Enabled *bool `json:"enabled,omitempty"`
	Online  *bool `json:"online,omitempty"`
}
