// Package session manages Cloud Spanner session handles.
//
// A Pool owns regular sessions, leasing each to at most one transaction at a
// time, and an optional multiplexed session shared by any number of
// transactions.
package session

import (
	"fmt"
	"strings"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
)

// Session is a server-side session handle.
type Session struct {
	Name        string
	Database    string
	Multiplexed bool
	CreateTime  time.Time
}

// FromProto converts a session returned by CreateSession or BatchCreateSessions.
func FromProto(database string, s *sppb.Session) *Session {
	var createTime time.Time
	if s.GetCreateTime() != nil {
		createTime = s.GetCreateTime().AsTime()
	}
	return &Session{
		Name:        s.GetName(),
		Database:    database,
		Multiplexed: s.GetMultiplexed(),
		CreateTime:  createTime,
	}
}

// ID returns the last segment of the session name.
func (s *Session) ID() string {
	return s.Name[strings.LastIndex(s.Name, "/")+1:]
}

func (s *Session) String() string {
	if s.Multiplexed {
		return fmt.Sprintf("%s (multiplexed)", s.Name)
	}
	return s.Name
}

// DatabasePath returns the fully qualified database name.
func DatabasePath(project, instance, database string) string {
	return fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, database)
}
