package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Ancestors returns the ids on path strictly above self, root first.
// Malformed segments are skipped; the store owns path consistency.
func Ancestors(path string, self int64) []int64 {
	var out []int64
	for _, p := range strings.Split(strings.Trim(path, "/"), "/") {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil || id == 0 {
			continue
		}
		out = append(out, id)
	}
	if n := len(out); n > 0 && out[n-1] == self {
		out = out[:n-1]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ChildPath builds the path of a child under parentPath.
func ChildPath(parentPath string, id int64) string {
	if parentPath == "" {
		return fmt.Sprintf("/%d/", id)
	}
	return strings.TrimSuffix(parentPath, "/") + fmt.Sprintf("/%d/", id)
}
