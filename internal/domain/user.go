// Package domain contains the core data structures and domain logic for the application.
package domain

import "strings"

// User is a tracked account on the platform.
type User struct {
	ID       int      `json:"id"`
	Username string   `json:"username"`
	Name     string   `json:"name"`
	Emails   []string `json:"emails,omitempty"`
}

// Authored reports whether a commit author identity belongs to this user.
// Emails are compared case-insensitively; names must match exactly.
func (u User) Authored(authorName, authorEmail string) bool {
	if authorEmail != "" {
		for _, e := range u.Emails {
			if strings.EqualFold(e, authorEmail) {
				return true
			}
		}
	}
	if authorName == "" {
		return false
	}
	return authorName == u.Name || authorName == u.Username
}
