package env

import (
	"os"
	"sort"
	"strings"
)

// DefaultPathPrefix lists the local and Homebrew binary directories placed
// ahead of the inherited PATH so tools like uv resolve even when the
// controlling application was launched from a desktop session with a minimal
// environment.
var DefaultPathPrefix = []string{
	"/usr/local/bin",
	"/opt/homebrew/bin",
	"/usr/bin",
	"/bin",
	"/usr/sbin",
	"/sbin",
}

type Var map[string]string

type Env struct {
	Var        Var      // global variables (K->V)
	PathPrefix []string // directories prepended to PATH
	env        Var      // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			v := kv[i+1:]
			if k == "" {
				continue
			}
			base[k] = v
		}
	}
	e.env = base
}

// Isolate drops the OS environment from the base so Merge yields only Var
// and the PATH prefix.
func (e *Env) Isolate() { e.env = Var{} }

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetPairs applies a list of "K=V" entries; malformed entries are skipped.
func (e *Env) SetPairs(kvs []string) {
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			e.Set(kv[:i], kv[i+1:])
		}
	}
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then apply global e.Var overrides
// then apply perCall (slice of "K=V") overrides
// then prefix PATH with e.PathPrefix.
// Values get ${VAR} expansion against the composed map (no recursion).
// The result is sorted by key so callers get a stable slice.
func (e *Env) Merge(perCall []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range perCall {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			if k == "" {
				continue
			}
			m[k] = kv[i+1:]
		}
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	if len(e.PathPrefix) > 0 {
		expanded["PATH"] = PrefixPath(e.PathPrefix, expanded["PATH"])
	}
	keys := make([]string, 0, len(expanded))
	for k := range expanded {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expanded[k])
	}
	return out
}

// PrefixPath returns dirs joined ahead of path. Empty entries are dropped and
// the inherited tail is kept verbatim even when it repeats a prefix entry.
func PrefixPath(dirs []string, path string) string {
	parts := make([]string, 0, len(dirs)+1)
	for _, d := range dirs {
		if d = strings.TrimSpace(d); d != "" {
			parts = append(parts, d)
		}
	}
	if path != "" {
		parts = append(parts, path)
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

func expand(s string, m Var) string {
	res := s
	// simple ${VAR} expansion; iterate over keys present
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}

// Lookup returns the value of key in a "K=V" slice produced by Merge.
func Lookup(kvs []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range kvs {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}
