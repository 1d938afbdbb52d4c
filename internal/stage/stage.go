// Package stage names the four pipeline stages of a release and the error
// kinds each of them can fail with.
package stage

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Stage uint8

const (
	Build Stage = iota + 1
	Publish
	Provision
	Release
)

func (s Stage) String() string {
	switch s {
	case Build:
		return "build"
	case Publish:
		return "publish"
	case Provision:
		return "provision"
	case Release:
		return "release"
	default:
		return "unknown"
	}
}

func (s Stage) IsValid() bool {
	switch s {
	case Build, Publish, Provision, Release:
		return true
	default:
		return false
	}
}

func (s Stage) MarshalJSON() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid stage: %d", s)
	}
	return json.Marshal(s.String())
}

func (s *Stage) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	next, ok := Parse(raw)
	if !ok {
		return fmt.Errorf("invalid stage: %q", raw)
	}
	*s = next
	return nil
}

func Parse(raw string) (Stage, bool) {
	switch strings.TrimSpace(raw) {
	case "build":
		return Build, true
	case "publish":
		return Publish, true
	case "provision":
		return Provision, true
	case "release":
		return Release, true
	default:
		return 0, false
	}
}
