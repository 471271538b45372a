package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/hhd/wresters-adapter/pkg/config"
	"go.uber.org/zap"
)

// Options describes the process setup done before serving.
type Options struct {
	PIDFile  string
	User     string
	Group    string
	ChownPID bool
}

// OptionsFromConfig maps the daemon config section onto Options.
func OptionsFromConfig(cfg config.DaemonConfig) Options {
	return Options{
		PIDFile:  cfg.PIDFile,
		User:     cfg.User,
		Group:    cfg.Group,
		ChownPID: cfg.ChownPID,
	}
}

// PIDFile is a written PID file that should be removed on clean shutdown.
type PIDFile struct {
	path string
}

// Path returns the file location.
func (p *PIDFile) Path() string {
	return p.path
}

// Remove deletes the PID file. It is safe on a nil PIDFile and on a file that is
// already gone.
func (p *PIDFile) Remove() error {
	if p == nil {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove pid file %s: %w", p.path, err)
	}
	return nil
}

// Daemonize writes the PID file, optionally hands it to the target user/group, and
// drops privileges to that user/group. The process is not forked; run it under a
// supervisor for backgrounding.
//
// The returned PIDFile is non-nil whenever the file was written, even if a later
// step failed, so callers can still clean it up. Errors are not fatal to serving.
func Daemonize(opts Options, logger *zap.Logger) (*PIDFile, error) {
	var pidFile *PIDFile
	if opts.PIDFile != "" {
		pid := strconv.Itoa(os.Getpid())
		if err := os.WriteFile(opts.PIDFile, []byte(pid+"\n"), 0644); err != nil {
			return nil, fmt.Errorf("failed to write pid file %s: %w", opts.PIDFile, err)
		}
		pidFile = &PIDFile{path: opts.PIDFile}
		logger.Info("pid file written", zap.String("path", opts.PIDFile), zap.String("pid", pid))
	}

	if opts.User == "" && opts.Group == "" {
		return pidFile, nil
	}

	uid, gid, err := lookupIDs(opts.User, opts.Group)
	if err != nil {
		return pidFile, err
	}

	if opts.ChownPID && pidFile != nil {
		if err := os.Chown(pidFile.path, uid, gid); err != nil {
			return pidFile, fmt.Errorf("failed to chown pid file %s: %w", pidFile.path, err)
		}
		logger.Info("pid file ownership changed", zap.Int("uid", uid), zap.Int("gid", gid))
	}

	if (uid < 0 || uid == os.Getuid()) && (gid < 0 || gid == os.Getgid()) {
		logger.Debug("already running as target user and group")
		return pidFile, nil
	}

	if err := dropPrivileges(uid, gid); err != nil {
		return pidFile, err
	}
	logger.Info("dropped privileges",
		zap.String("user", opts.User),
		zap.String("group", opts.Group),
		zap.Int("uid", os.Getuid()),
		zap.Int("gid", os.Getgid()),
	)
	return pidFile, nil
}

// lookupIDs resolves user and group names to numeric ids. Numeric names are taken
// as ids without consulting the user database. An empty name resolves to -1. When
// only a user name is given, its primary group is used.
func lookupIDs(userName, groupName string) (int, int, error) {
	uid, gid := -1, -1

	if userName != "" {
		if id, err := strconv.Atoi(userName); err == nil {
			uid = id
		} else {
			userInfo, err := user.Lookup(userName)
			if err != nil {
				return -1, -1, fmt.Errorf("lookup user %q: %w", userName, err)
			}
			if uid, err = strconv.Atoi(userInfo.Uid); err != nil {
				return -1, -1, fmt.Errorf("parse uid %q: %w", userInfo.Uid, err)
			}
			if groupName == "" {
				if gid, err = strconv.Atoi(userInfo.Gid); err != nil {
					return -1, -1, fmt.Errorf("parse gid %q: %w", userInfo.Gid, err)
				}
			}
		}
	}

	if groupName != "" {
		if id, err := strconv.Atoi(groupName); err == nil {
			return uid, id, nil
		}
		groupInfo, err := user.LookupGroup(groupName)
		if err != nil {
			return -1, -1, fmt.Errorf("lookup group %q: %w", groupName, err)
		}
		if gid, err = strconv.Atoi(groupInfo.Gid); err != nil {
			return -1, -1, fmt.Errorf("parse gid %q: %w", groupInfo.Gid, err)
		}
	}

	return uid, gid, nil
}
