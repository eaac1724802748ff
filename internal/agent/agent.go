// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package agent

import (
	"context"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bitcalm/agent/internal/action"
	"github.com/bitcalm/agent/internal/apiclient"
	"github.com/bitcalm/agent/internal/catalog"
	"github.com/bitcalm/agent/internal/config"
	"github.com/bitcalm/agent/internal/mysqlutil"
	"github.com/bitcalm/agent/internal/objectstore"
	"github.com/bitcalm/agent/internal/pipeline"
	"github.com/bitcalm/agent/internal/status"
)

// Action tags, used both to register each action.Action and to resolve
// followers/cancels by action.ByTag (spec.md 4.5).
const (
	TagUpdateFS     = "update_fs"
	TagUploadLog    = "upload_log"
	TagCheckChanges = "check_changes"
	TagCheckDB      = "check_db"
	TagReportCrash  = "report_crash"
	TagGetS3Access  = "get_s3_access"
	TagBackup       = "backup"
	TagRestore      = "restore"
)

// Agent holds every dependency the action constructors in this package
// close over. Its object-store Store starts nil and is installed once by
// GetS3Access or a restored Status carrying Amazon access (spec.md 4.5,
// "get_s3_access: one-shot; on success installs the backup action").
type Agent struct {
	Client      *apiclient.Client
	StatusStore *status.Store
	Catalog     *catalog.DB
	Install     *config.Install
	Runtime     *config.Runtime
	Logger      zerolog.Logger

	Log *LogBuffer

	// Pool is the running ActionPool, wired by the daemon entrypoint once
	// built. check_changes uses it to idempotently install the backup
	// action and one-shot restore runs (spec.md 4.5).
	Pool *action.Pool

	// Updater installs a pushed binary in response to check_changes'
	// `version` key; nil means self-update is not configured.
	Updater Updater

	// Restart and Shutdown are signaled (non-blocking) by check_changes'
	// `version` and `uninstall` keys respectively; the daemon entrypoint
	// selects on them alongside SIGTERM (spec.md 5, "Signal handling ...
	// is the only mechanism for clean termination").
	Restart  chan struct{}
	Shutdown chan struct{}

	mu    sync.RWMutex
	store objectstore.Store
}

func (a *Agent) requestRestart() {
	if a.Restart == nil {
		return
	}
	select {
	case a.Restart <- struct{}{}:
	default:
	}
}

func (a *Agent) requestShutdown() {
	if a.Shutdown == nil {
		return
	}
	select {
	case a.Shutdown <- struct{}{}:
	default:
	}
}

// SetStore installs the object-store client (spec.md 4.5, get_s3_access and
// check_changes' "access" field both call this).
func (a *Agent) SetStore(s objectstore.Store) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.store = s
}

// Store returns the currently installed object-store client, or nil if
// access has not been granted yet.
func (a *Agent) Store() objectstore.Store {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.store
}

// NewObjectStore builds a Store from S3Access pushed by the controller.
func NewObjectStore(ctx context.Context, access status.S3Access, logger zerolog.Logger) (objectstore.Store, error) {
	return objectstore.NewClient(ctx, objectstore.Config{
		Bucket:          access.Bucket,
		Region:          access.Region,
		AccessKeyID:     access.AccessKeyID,
		SecretAccessKey: access.SecretAccessKey,
		SessionToken:    access.SessionToken,
	}, logger)
}

// CredentialLookup returns a pipeline.CredentialLookup that checks the
// Status record's dynamically pushed credentials first (spec.md 4.5,
// check_changes "db" field), falling back to the install config's static
// `database =` lines (spec.md 6, "Config file").
func CredentialLookup(st *status.Status, install *config.Install) pipeline.CredentialLookup {
	return func(hostPort string) (mysqlutil.Credential, bool) {
		if cred, ok := st.Database[hostPort]; ok {
			host, port := splitHostPort(hostPort)
			return mysqlutil.Credential{Host: host, Port: port, User: cred.User, Password: cred.Password}, true
		}
		if install != nil {
			for _, entry := range install.Databases {
				if entry.HostPort() == hostPort {
					return mysqlutil.Credential{Host: entry.Host, Port: entry.Port, User: entry.User, Password: entry.Password}, true
				}
			}
		}
		return mysqlutil.Credential{}, false
	}
}

func splitHostPort(hostPort string) (string, int) {
	for i := len(hostPort) - 1; i >= 0; i-- {
		if hostPort[i] == ':' {
			port := 0
			for _, c := range hostPort[i+1:] {
				if c < '0' || c > '9' {
					return hostPort, mysqlutilDefaultPort
				}
				port = port*10 + int(c-'0')
			}
			return hostPort[:i], port
		}
	}
	return hostPort, mysqlutilDefaultPort
}

const mysqlutilDefaultPort = 3306

// TopLevelDirs lists "/"'s immediate children for schedule.CleanFiles
// (spec.md 4.2).
func TopLevelDirs() []string {
	entries, err := os.ReadDir("/")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

// save is the common "mutate then persist" pattern every action in this
// package follows (spec.md 3, "save() ... called on every semantically
// observable mutation").
func (a *Agent) save(st *status.Status) error {
	return a.StatusStore.Save(st)
}
