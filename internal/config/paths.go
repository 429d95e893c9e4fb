package config

import (
	"os"
	"path/filepath"
)

// HomeEnv, when set, roots every healrun path in one directory instead of
// the XDG locations.
const HomeEnv = "HEALRUN_HOME"

// Layout is where healrun keeps its files.
//
//	Config  config.toml, credentials.toml
//	Data    healrun.db, work/
//	State   healrun.pid, healrun.log
type Layout struct {
	Config string
	Data   string
	State  string
}

// ResolveLayout reads HEALRUN_HOME first. Without it each directory follows
// its XDG variable, falling back to the usual dot-directory under $HOME.
func ResolveLayout() (Layout, error) {
	if home := os.Getenv(HomeEnv); home != "" {
		return Layout{
			Config: home,
			Data:   filepath.Join(home, "data"),
			State:  filepath.Join(home, "state"),
		}, nil
	}

	var l Layout
	dirs := []struct {
		dst      *string
		env      string
		fallback []string
	}{
		{&l.Config, "XDG_CONFIG_HOME", []string{".config"}},
		{&l.Data, "XDG_DATA_HOME", []string{".local", "share"}},
		{&l.State, "XDG_STATE_HOME", []string{".local", "state"}},
	}
	for _, d := range dirs {
		base := os.Getenv(d.env)
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return Layout{}, err
			}
			base = filepath.Join(append([]string{home}, d.fallback...)...)
		}
		*d.dst = filepath.Join(base, "healrun")
	}
	return l, nil
}

func (l Layout) ConfigFile() string      { return filepath.Join(l.Config, "config.toml") }
func (l Layout) CredentialsFile() string { return filepath.Join(l.Config, "credentials.toml") }
func (l Layout) DBFile() string          { return filepath.Join(l.Data, "healrun.db") }
func (l Layout) WorkspaceDir() string    { return filepath.Join(l.Data, "work") }
func (l Layout) PIDFile() string         { return filepath.Join(l.State, "healrun.pid") }
func (l Layout) LogFile() string         { return filepath.Join(l.State, "healrun.log") }

// relative is the layout used when no home directory can be found: every
// file lands next to the working directory.
var relative = Layout{Config: ".", Data: ".", State: "."}

func resolveLayoutOrRelative() Layout {
	l, err := ResolveLayout()
	if err != nil {
		return relative
	}
	return l
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() (string, error) {
	l, err := ResolveLayout()
	if err != nil {
		return "", err
	}
	return l.ConfigFile(), nil
}

// CredentialsPath returns the path to the credentials file.
func CredentialsPath() (string, error) {
	l, err := ResolveLayout()
	if err != nil {
		return "", err
	}
	return l.CredentialsFile(), nil
}
