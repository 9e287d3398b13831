package checks

// Head returns at most n bytes from the start of s.
func Head(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}

// Tail keeps the end of s, where error summaries and tracebacks usually are.
func Tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return "…(truncated)\n" + s[len(s)-n:]
}

// Combined joins stdout and stderr the way a terminal would show them.
func Combined(stdout, stderr string) string {
	if stderr == "" {
		return stdout
	}
	if stdout == "" {
		return stderr
	}
	return stdout + "\n" + stderr
}
