package models

import "time"

// Instance binds a test to a cloud compute instance for the run's
// duration. Deadline is the wall-clock time at which the watchdog
// force-cancels the test.
type Instance struct {
	Name      string       `json:"name"`
	TestID    int64        `json:"test_id"`
	Platform  TestPlatform `json:"platform"`
	Zone      string       `json:"zone"`
	CreatedAt time.Time    `json:"created_at"`
	Deadline  time.Time    `json:"deadline"`
}

// Expired reports whether the instance has exceeded its maximum runtime.
func (i Instance) Expired(now time.Time) bool {
	return now.After(i.Deadline)
}

// MaintenanceMode disables dispatching to one platform.
type MaintenanceMode struct {
	Platform TestPlatform `json:"platform"`
	Disabled bool         `json:"disabled"`
}

// BlockedUser is a GitHub user id whose pull requests are not tested.
type BlockedUser struct {
	UserID  int64  `json:"user_id"`
	Comment string `json:"comment"`
}
