package sftpfs

import (
	"errors"
	"time"

	"github.com/rescale/rescale-xfer/internal/events"
)

// ErrNotFound indicates the remote path does not exist.
var ErrNotFound = errors.New("remote path not found")

// OperationState represents the state of an async operation.
type OperationState string

const (
	StateInProgress OperationState = "in_progress"
	StateCompleted  OperationState = "completed"
	StateFailed     OperationState = "failed"
)

// Operation is an async backend operation started by Delete, Rename, Copy or Upload.
type Operation struct {
	ID         string
	Kind       events.OperationKind
	Path       string // path the operation acts on
	Target     string // destination for rename, copy and upload
	TransferID string // registry id for byte-moving operations
	State      OperationState
	Error      string

	StartedAt   time.Time
	CompletedAt time.Time
}

// Copy returns a copy of the operation.
func (o *Operation) Copy() *Operation {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}

// Config holds connection settings for one SFTP endpoint.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string // from the environment, never the config file

	KeyFile    string // private key; used when set
	KnownHosts string // defaults to ~/.ssh/known_hosts
	Insecure   bool   // skip host key verification

	Root string // initial watched directory
}
