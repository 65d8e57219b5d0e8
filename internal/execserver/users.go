package execserver

import (
	"fmt"
	"os"
	"os/user"
	"sort"
	"strings"

	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
)

const systemPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// User is an OS identity a command may run as. Unprivileged users never see
// secret-bearing environment variables.
type User struct {
	Name       string
	UID        int
	GID        int
	Home       string
	Path       string
	Privileged bool
}

func DefaultUsers() map[string]User {
	return map[string]User{
		"root": {
			Name:       "root",
			Home:       "/root",
			Path:       systemPath,
			Privileged: true,
		},
		"builder": {
			Name: "builder",
			UID:  1000,
			GID:  1000,
			Home: "/home/builder",
			Path: "/home/builder/.local/bin:/usr/local/go/bin:" + systemPath,
		},
		"deployer": {
			Name: "deployer",
			UID:  1001,
			GID:  1001,
			Home: "/home/deployer",
			Path: "/home/deployer/.local/bin:" + systemPath,
		},
	}
}

// currentUser is the identity used when an exec names no user.
func currentUser() User {
	u := User{
		UID:        os.Getuid(),
		GID:        os.Getgid(),
		Path:       os.Getenv("PATH"),
		Privileged: os.Geteuid() == 0,
	}
	if current, err := user.Current(); err == nil {
		u.Name = current.Username
		u.Home = current.HomeDir
	}
	if u.Home == "" {
		u.Home, _ = os.UserHomeDir()
	}
	if u.Path == "" {
		u.Path = systemPath
	}

	return u
}

type userTable struct {
	users map[string]User
	self  User
}

func newUserTable(users map[string]User) userTable {
	if users == nil {
		users = DefaultUsers()
	}

	return userTable{users: users, self: currentUser()}
}

func (t userTable) resolve(name string) (User, error) {
	if name == "" {
		return t.self, nil
	}

	u, ok := t.users[name]
	if !ok {
		return User{}, fmt.Errorf("%w: %w %q", domain.ErrSpawnFailure, domain.ErrUnknownUser, name)
	}
	if u.Name == "" {
		u.Name = name
	}

	return u, nil
}

func (t userTable) names() []string {
	names := make([]string, 0, len(t.users))
	for name := range t.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var sensitiveMarkers = []string{"TOKEN", "SECRET", "PASSWORD", "CREDENTIAL", "PRIVATE_KEY"}

type envFilter struct {
	extra map[string]struct{}
}

func newEnvFilter(extra []string) envFilter {
	set := make(map[string]struct{}, len(extra))
	for _, name := range extra {
		set[strings.ToUpper(strings.TrimSpace(name))] = struct{}{}
	}

	return envFilter{extra: set}
}

func (f envFilter) sensitive(name string) bool {
	upper := strings.ToUpper(name)
	if _, ok := f.extra[upper]; ok {
		return true
	}
	for _, marker := range sensitiveMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}

	return false
}

// build assembles the environment for a command. Request values override the
// inherited environment; identity variables override both.
func (f envFilter) build(u User, inherited []string, requested map[string]string) []string {
	env := make(map[string]string, len(inherited)+len(requested)+3)
	for _, kv := range inherited {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[name] = value
	}
	for name, value := range requested {
		env[name] = value
	}

	if !u.Privileged {
		for name := range env {
			if f.sensitive(name) {
				delete(env, name)
			}
		}
	}

	env["HOME"] = u.Home
	env["PATH"] = u.Path
	if u.Name != "" {
		env["USER"] = u.Name
		env["LOGNAME"] = u.Name
	}

	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, name+"="+env[name])
	}

	return out
}
