package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseSince turns a --since value into a point in time. It accepts RFC 3339
// timestamps, plain dates, Go durations meaning "that long ago" and natural
// language such as "yesterday" or "last monday".
func parseSince(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", value, now.Location()); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return now.Add(-d), nil
	}

	r, err := timeParser.Parse(value, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q: %w", value, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q", value)
	}
	return r.Time, nil
}
