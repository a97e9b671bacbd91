package models

import "time"

// Project is a resolved project root that agents run under.
type Project struct {
	ID        string
	Name      string
	Path      string
	CreatedAt time.Time
	UpdatedAt time.Time
}
