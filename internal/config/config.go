// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package config loads rconctl server profiles and resolves the connection settings for a run.
//
// Settings are layered: built-in defaults, then the selected profile from the config file, then
// the RCON_* environment variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHost     = "localhost"
	DefaultPort     = 25575
	DefaultPassword = "password"
	DefaultProfile  = "default"
	DefaultOutput   = "table"
	DefaultTimeout  = 10 * time.Second

	EnvHostname = "RCON_HOSTNAME"
	EnvPort     = "RCON_PORT"
	EnvPassword = "RCON_PASSWORD"
)

// ErrUnknownProfile is returned when a profile is requested by name and the config file does not
// define it.
var ErrUnknownProfile = errors.New("unknown server profile")

// Server is a fully resolved set of connection settings.
type Server struct {
	Name     string
	Host     string
	Port     int
	Password string
	Timeout  time.Duration
}

// Address returns host:port suitable for net.Dial.
func (s Server) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Validate reports the first invalid setting.
func (s Server) Validate() error {
	if strings.TrimSpace(s.Host) == "" {
		return fmt.Errorf("server %q: host is empty", s.Name)
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("server %q: port %d out of range", s.Name, s.Port)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("server %q: negative timeout %s", s.Name, s.Timeout)
	}
	return nil
}

func defaultServer(name string) Server {
	return Server{
		Name:     name,
		Host:     DefaultHost,
		Port:     DefaultPort,
		Password: DefaultPassword,
		Timeout:  DefaultTimeout,
	}
}

// profile is one [servers.<name>] table. Absent keys stay nil and inherit the defaults.
type profile struct {
	Host     *string `toml:"host" yaml:"host"`
	Port     *int    `toml:"port" yaml:"port"`
	Password *string `toml:"password" yaml:"password"`
	Timeout  *string `toml:"timeout" yaml:"timeout"`
}

type fileConfig struct {
	Default string             `toml:"default" yaml:"default"`
	Output  string             `toml:"output" yaml:"output"`
	Servers map[string]profile `toml:"servers" yaml:"servers"`
}

// File is a parsed config file.
type File struct {
	Path    string
	Default string
	Output  string

	// Insecure is set when the file is readable by group or others.
	Insecure bool

	servers map[string]profile
}

// DefaultPath returns rconctl/config.toml under the user config directory (~/.config on Linux).
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "rconctl", "config.toml")
	}
	return filepath.Join(dir, "rconctl", "config.toml")
}

// Load reads the config file at path. TOML is assumed unless the extension is .yaml or .yml.
// A missing file yields an empty File and no error.
func Load(path string) (*File, error) {
	f := &File{
		Path:    path,
		Default: DefaultProfile,
		Output:  DefaultOutput,
		servers: map[string]profile{},
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return f, nil
		}
		return nil, fmt.Errorf("load config: %w", err)
	}
	f.Insecure = info.Mode().Perm()&0o077 != 0

	var raw fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = decodeYAML(path, &raw)
	default:
		err = decodeTOML(path, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	if d := strings.TrimSpace(raw.Default); d != "" {
		f.Default = d
	}
	if o := strings.TrimSpace(raw.Output); o != "" {
		f.Output = o
	}
	for name, p := range raw.Servers {
		f.servers[name] = p
	}
	return f, nil
}

func decodeTOML(path string, raw *fileConfig) error {
	meta, err := toml.DecodeFile(path, raw)
	if err != nil {
		return err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if meta.IsDefined("default") && strings.TrimSpace(raw.Default) == "" {
		return errors.New("default profile name is empty")
	}
	return nil
}

func decodeYAML(path string, raw *fileConfig) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()

	dec := yaml.NewDecoder(fh)
	dec.KnownFields(true)
	err = dec.Decode(raw)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Names returns the profile names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.servers))
	for name := range f.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Profile returns the named profile applied over the built-in defaults.
func (f *File) Profile(name string) (Server, error) {
	p, ok := f.servers[name]
	if !ok {
		return Server{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	s := defaultServer(name)
	if p.Host != nil {
		s.Host = strings.TrimSpace(*p.Host)
	}
	if p.Port != nil {
		s.Port = *p.Port
	}
	if p.Password != nil {
		s.Password = *p.Password
	}
	if p.Timeout != nil {
		d, err := time.ParseDuration(strings.TrimSpace(*p.Timeout))
		if err != nil {
			return Server{}, fmt.Errorf("server %q: parse timeout: %w", name, err)
		}
		s.Timeout = d
	}
	return s, nil
}

// Overrides holds command-line values. Nil fields were not given.
type Overrides struct {
	Host     *string
	Port     *int
	Password *string
	Timeout  *time.Duration
}

// Resolve selects a profile and layers the environment and flags over it.
//
// An empty name selects the file's default profile, falling back to the built-in defaults when the
// file does not define it. The environment only applies when no profile was named explicitly, so
// `-s lobby` always talks to lobby.
func Resolve(f *File, name string, getenv func(string) string, o Overrides) (Server, error) {
	explicit := name != ""
	if !explicit {
		name = f.Default
	}

	s, err := f.Profile(name)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownProfile) && !explicit:
		s = defaultServer(name)
	default:
		return Server{}, err
	}

	if !explicit {
		if err := applyEnv(&s, getenv); err != nil {
			return Server{}, err
		}
	}

	if o.Host != nil {
		s.Host = strings.TrimSpace(*o.Host)
	}
	if o.Port != nil {
		s.Port = *o.Port
	}
	if o.Password != nil {
		s.Password = *o.Password
	}
	if o.Timeout != nil {
		s.Timeout = *o.Timeout
	}

	if err := s.Validate(); err != nil {
		return Server{}, err
	}
	return s, nil
}

func applyEnv(s *Server, getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	if v := strings.TrimSpace(getenv(EnvHostname)); v != "" {
		s.Host = v
	}
	if v := strings.TrimSpace(getenv(EnvPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvPort, err)
		}
		s.Port = port
	}
	if v := getenv(EnvPassword); v != "" {
		s.Password = v
	}
	return nil
}
