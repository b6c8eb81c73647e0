package remote

// ProcessPattern rewrites a pkill/pgrep -f pattern so that it does not match
// the command line of the shell running it: "adb" becomes "[a]db". The first
// byte of pattern must be a literal character.
func ProcessPattern(pattern string) string {
	if pattern == "" {
		return pattern
	}
	return "[" + pattern[:1] + "]" + pattern[1:]
}

// Pkill renders `pkill -f` for pattern, safe to run through a remote shell.
// pkill exits 1 when nothing matched.
func Pkill(pattern string) string {
	return "pkill -f " + Quote(ProcessPattern(pattern))
}

// Pgrep renders `pgrep -f` for pattern, safe to run through a remote shell.
func Pgrep(pattern string) string {
	return "pgrep -f " + Quote(ProcessPattern(pattern))
}
