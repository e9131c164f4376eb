package server

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jmbish04/procwatch/internal/monitor"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

// isSafeName validates instance IDs to avoid path traversal when they are
// used in capture filenames. Allowed characters: A-Z a-z 0-9 . _ -
func isSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// isSafeAbsPath accepts empty paths and absolute paths without traversal
// segments.
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

func errorFilterFromQuery(c *gin.Context) (monitor.ErrorFilter, error) {
	f := monitor.ErrorFilter{InstanceID: c.Query("instance")}
	if v := c.Query("minLevel"); v != "" {
		f.MinLevel = monitor.Level(v)
	}
	if v := c.Query("maxLevel"); v != "" {
		f.MaxLevel = monitor.Level(v)
	}
	var err error
	if f.Since, err = parseTimeParam(c, "since"); err != nil {
		return f, err
	}
	if f.Until, err = parseTimeParam(c, "until"); err != nil {
		return f, err
	}
	if f.Limit, err = parseIntParam(c, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = parseIntParam(c, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func logFilterFromQuery(c *gin.Context) (monitor.LogFilter, error) {
	f := monitor.LogFilter{
		InstanceID: c.Query("instance"),
		SortOrder:  c.Query("sortOrder"),
	}
	for _, v := range splitCSV(c.Query("levels")) {
		f.Levels = append(f.Levels, monitor.Level(v))
	}
	for _, v := range splitCSV(c.Query("streams")) {
		f.Streams = append(f.Streams, monitor.Stream(v))
	}
	var err error
	if f.Since, err = parseTimeParam(c, "since"); err != nil {
		return f, err
	}
	if f.Until, err = parseTimeParam(c, "until"); err != nil {
		return f, err
	}
	if f.Limit, err = parseIntParam(c, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = parseIntParam(c, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func parseTimeParam(c *gin.Context, name string) (*time.Time, error) {
	v := c.Query(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return &t, nil
}

func parseIntParam(c *gin.Context, name string) (int, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: must be a non-negative integer", name)
	}
	return n, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
