package actions

import "strings"

// Guest paths are Windows paths regardless of the host running the harness,
// so path/filepath cannot be used for them.

func isWinSep(c byte) bool {
	return c == '\\' || c == '/'
}

// winJoin joins two guest path elements with a backslash.
func winJoin(dir, name string) string {
	if dir == "" {
		return name
	}
	if isWinSep(dir[len(dir)-1]) {
		return dir + name
	}
	return dir + `\` + name
}

// winDir returns all but the last element of a guest path. A drive root keeps
// its separator.
func winDir(p string) string {
	p = strings.TrimRight(p, `\/`)
	i := strings.LastIndexAny(p, `\/`)
	if i < 0 {
		return ""
	}
	head := strings.TrimRight(p[:i], `\/`)
	if head == "" || strings.HasSuffix(head, ":") {
		return p[:i+1]
	}
	return head
}

// resourceBase returns the last element of a slash separated resource path.
func resourceBase(resource string) string {
	if i := strings.LastIndex(resource, "/"); i >= 0 {
		return resource[i+1:]
	}
	return resource
}
