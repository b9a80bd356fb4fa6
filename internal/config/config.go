// Package config holds fakectdbd's runtime settings: command line flags,
// optionally overlaid by a yaml file for anything the command line leaves
// unset.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// DefaultDebug is the log level used when none is given.
const DefaultDebug = "ERR"

// DefaultRecoveryInterval is the recovery tick used when none is given.
const DefaultRecoveryInterval = time.Second

var (
	// ErrMissingSocket is returned when no socket path was given.
	ErrMissingSocket = errors.New("socket path is required")
	// ErrMissingPidFile is returned when no pid file was given.
	ErrMissingPidFile = errors.New("pid file is required")
	// ErrBadDebugLevel is returned for an unknown debug level.
	ErrBadDebugLevel = errors.New("invalid debug level")
)

// Config is the daemon configuration.
type Config struct {
	Socket           string        `yaml:"socket"`
	PidFile          string        `yaml:"pidFile"`
	Debug            string        `yaml:"debug"`
	Admin            string        `yaml:"admin"`
	RecoveryInterval time.Duration `yaml:"recoveryInterval"`
}

func (c Config) String() string {
	return fmt.Sprintf("Config{socket: %v, pidfile: %v, debug: %v, admin: %v, recovery_interval: %v}",
		c.Socket, c.PidFile, c.Debug, c.Admin, c.RecoveryInterval)
}

// Parse reads args (without the program name). When --config names a file
// its values fill in whatever the flags did not set.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("fakectdbd", flag.ContinueOnError)

	var c Config
	var path string
	fs.StringVar(&c.Socket, "socket", "", "unix socket to listen on")
	fs.StringVar(&c.Socket, "s", "", "shorthand for --socket")
	fs.StringVar(&c.PidFile, "pidfile", "", "file to write the daemon pid to")
	fs.StringVar(&c.PidFile, "p", "", "shorthand for --pidfile")
	fs.StringVar(&c.Debug, "debug", DefaultDebug, "log level (ERR|WARNING|NOTICE|INFO|DEBUG)")
	fs.StringVar(&c.Debug, "d", DefaultDebug, "shorthand for --debug")
	fs.StringVar(&c.Admin, "admin", "", "optional HTTP address serving a state snapshot")
	fs.DurationVar(&c.RecoveryInterval, "recovery-interval", DefaultRecoveryInterval, "recovery tick")
	fs.StringVar(&path, "config", "", "optional yaml config file")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, errors.Newf("unexpected arguments: %v", fs.Args())
	}

	if path != "" {
		file, err := Load(path)
		if err != nil {
			return Config{}, err
		}
		set := map[string]bool{}
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
		c.overlay(file, set)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads a yaml config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	return c, nil
}

func (c *Config) overlay(file Config, set map[string]bool) {
	if !set["socket"] && !set["s"] && file.Socket != "" {
		c.Socket = file.Socket
	}
	if !set["pidfile"] && !set["p"] && file.PidFile != "" {
		c.PidFile = file.PidFile
	}
	if !set["debug"] && !set["d"] && file.Debug != "" {
		c.Debug = file.Debug
	}
	if !set["admin"] && file.Admin != "" {
		c.Admin = file.Admin
	}
	if !set["recovery-interval"] && file.RecoveryInterval > 0 {
		c.RecoveryInterval = file.RecoveryInterval
	}
}

// Validate fills defaults and checks the settings can be used.
func (c *Config) Validate() error {
	if c.Socket == "" {
		return ErrMissingSocket
	}
	if c.PidFile == "" {
		return ErrMissingPidFile
	}
	if c.Debug == "" {
		c.Debug = DefaultDebug
	}
	if _, err := ParseLevel(c.Debug); err != nil {
		return err
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = DefaultRecoveryInterval
	}

	dir := filepath.Dir(c.Socket)
	if err := unix.Access(dir, unix.W_OK|unix.X_OK); err != nil {
		return errors.Wrapf(err, "socket directory %s", dir)
	}
	return nil
}

// Level returns the logrus level for c.Debug.
func (c Config) Level() logrus.Level {
	lvl, err := ParseLevel(c.Debug)
	if err != nil {
		return logrus.ErrorLevel
	}
	return lvl
}

// ParseLevel maps a CTDB debug level, by name or number, to logrus.
// NOTICE has no logrus counterpart and shares Info.
func ParseLevel(s string) (logrus.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERR", "ERROR", "0":
		return logrus.ErrorLevel, nil
	case "WARNING", "1":
		return logrus.WarnLevel, nil
	case "NOTICE", "2", "INFO", "3":
		return logrus.InfoLevel, nil
	case "DEBUG", "4":
		return logrus.DebugLevel, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n > 4 {
		return logrus.DebugLevel, nil
	}
	return logrus.ErrorLevel, errors.Wrapf(ErrBadDebugLevel, "%q", s)
}
