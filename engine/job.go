package engine

import (
	"time"

	"github.com/franksops/sfast/endpoint"
)

// Mode selects the direction of a TransferJob.
type Mode string

const (
	ModeSend  Mode = "send"
	ModeGet   Mode = "get"
	ModeRelay Mode = "relay"
)

// TransferJob represents one requested operation. It is built once per
// invocation (or per watch-triggered re-run) and never modified.
type TransferJob struct {
	ID   string
	Mode Mode

	// Source and Destination are the two storage sides. In relay mode both
	// are remote.
	Source      endpoint.Endpoint
	Destination endpoint.Endpoint

	// DestRoot is the directory on Destination that receives send and get
	// results. Relay jobs carry their destinations in Args.
	DestRoot string

	// Args holds the raw path arguments, wildcards and directories
	// included. For relay the first half are sources and the second half
	// their destinations.
	Args []string

	Options Options
}

// PathPair is one resolved source to destination mapping for a single file.
type PathPair struct {
	Source      string
	Destination string

	// RelPath is the path below the walked directory argument, using the
	// destination's separator. Empty for files named directly.
	RelPath string
	FromDir bool

	SourceRemote bool
	DestRemote   bool

	// Size and ModTime are the source stat observed at resolve time.
	Size    int64
	ModTime time.Time
}

// Temp returns the sibling name that receives in-flight bytes.
func (p PathPair) Temp() string {
	return p.Destination + endpoint.TempSuffix
}

// Key identifies the pair in reports. Destinations are unique per job.
func (p PathPair) Key() string {
	return p.Destination
}

// PairChannel queues PathPairs for admission into the worker pool.
type PairChannel chan PathPair
