package store

import (
	"strconv"
	"strings"
)

// parseRegionFileName parses "r.<x>.<z>.region".
func parseRegionFileName(name string, rx, rz *int32) bool {
	rest, ok := strings.CutSuffix(name, ".region")
	if !ok {
		return false
	}
	return parseRegionDirName(rest, rx, rz)
}

// parseRegionDirName parses "r.<x>.<z>".
func parseRegionDirName(name string, rx, rz *int32) bool {
	rest, ok := strings.CutPrefix(name, "r.")
	if !ok {
		return false
	}
	xs, zs, ok := strings.Cut(rest, ".")
	if !ok {
		return false
	}
	x, err := strconv.ParseInt(xs, 10, 32)
	if err != nil {
		return false
	}
	z, err := strconv.ParseInt(zs, 10, 32)
	if err != nil {
		return false
	}
	*rx, *rz = int32(x), int32(z)
	return true
}
