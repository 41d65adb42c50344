package models

import "time"

// Lease links one reserved machine to the principal that holds it.
type Lease struct {
	ID            string    `db:"id" json:"id"`
	MachineID     int64     `db:"machine_id" json:"-"`
	MachineName   string    `db:"machine_name" json:"machine"`
	Host          string    `db:"host" json:"host"`
	Port          int       `db:"port" json:"port"`
	Principal     string    `db:"principal" json:"principal"`
	UserRef       *string   `db:"user_ref" json:"user_ref,omitempty"`
	ReservedUntil time.Time `db:"reserved_until" json:"reserved_until"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// LeaseTarget is a lease joined with everything needed to revoke the account
// it created: the machine connection descriptor including the admin
// credential. It is internal and never serialised to callers.
type LeaseTarget struct {
	LeaseID         string    `db:"lease_id"`
	Principal       string    `db:"principal"`
	ReservedUntil   time.Time `db:"reserved_until"`
	MachineID       int64     `db:"machine_id"`
	MachineName     string    `db:"machine_name"`
	Host            string    `db:"host"`
	Port            int       `db:"port"`
	AdminUser       string    `db:"admin_user"`
	AdminCredential string    `db:"admin_credential"`
}

// Ref returns the identifiers needed to clear the lease.
func (t LeaseTarget) Ref() LeaseRef {
	return LeaseRef{LeaseID: t.LeaseID, MachineID: t.MachineID}
}

// LeaseRef identifies a lease and the machine it holds.
type LeaseRef struct {
	LeaseID   string
	MachineID int64
}

// Grant is the result of a successful reservation.
type Grant struct {
	LeaseIDs []string   `json:"lease_ids"`
	Machines []Endpoint `json:"machines"`
	Deadline time.Time  `json:"reserved_until"`
}
