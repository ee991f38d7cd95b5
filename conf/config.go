// Package conf loads the replication core's configuration from an ini file,
// the way the teacher's server/conf package loads mysqld.ini: a fixed set of
// sections parsed into a typed Cfg, with sane defaults for anything absent.
package conf

import (
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"gopkg.in/ini.v1"
)

// CommitOrder selects the predicate CommitOrder monitor uses (spec.md §4.1).
type CommitOrder int

const (
	CommitBypass CommitOrder = iota
	CommitOOOC
	CommitLocalOOOC
	CommitNoOOOC
)

// CommandLineArgs mirrors the flags repnode accepts.
type CommandLineArgs struct {
	ConfigPath string
}

// Cfg is the fully resolved configuration for one node.
type Cfg struct {
	Raw *ini.File

	// §6 "Configuration parameters"
	ProtoMax          int
	CommitOrder       CommitOrder
	KeyFormat         int
	MaxWriteSetSize   int64
	CausalReadTimeout time.Duration
	BaseDir           string
	BaseHost          string
	BasePort          int

	// domain-stack additions (SPEC_FULL.md §3)
	GcacheDir          string
	IstRecvBind        string
	ApplierThreads     int
	ServiceQueueDepth  int
	ClusterName        string
	NodeAddress        string

	// ambient stack
	LogErrorPath string
	LogInfoPath  string
	LogLevel     string
}

// NewCfg returns a Cfg pre-populated with the engine's defaults.
func NewCfg() *Cfg {
	return &Cfg{
		Raw:               ini.Empty(),
		ProtoMax:          8,
		CommitOrder:       CommitNoOOOC,
		KeyFormat:         2,
		MaxWriteSetSize:   2 << 30, // 2GiB
		CausalReadTimeout: 30 * time.Second,
		BaseDir:           ".",
		BaseHost:          "127.0.0.1",
		BasePort:          4567,
		GcacheDir:         "./gcache",
		IstRecvBind:       "0.0.0.0:4568",
		ApplierThreads:    4,
		ServiceQueueDepth: 1024,
		LogLevel:          "info",
	}
}

// Load reads the ini file at args.ConfigPath (if any) over the defaults.
// A missing file is not an error: the node falls back to NewCfg()'s
// defaults so that repnode can run in single-node demo mode unconfigured.
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	if args.ConfigPath == "" {
		return cfg, nil
	}

	if _, err := os.Stat(args.ConfigPath); os.IsNotExist(err) {
		return cfg, nil
	}

	raw, err := ini.Load(args.ConfigPath)
	if err != nil {
		return nil, errors.Annotatef(err, "ini.Load(%s)", args.ConfigPath)
	}
	cfg.Raw = raw

	if err := cfg.parseWsrepSection(raw.Section("wsrep")); err != nil {
		return nil, errors.Trace(err)
	}
	if err := cfg.parseLogSection(raw.Section("log")); err != nil {
		return nil, errors.Trace(err)
	}

	cfg.BaseDir, _ = filepath.Abs(cfg.BaseDir)
	return cfg, nil
}

func (cfg *Cfg) parseWsrepSection(section *ini.Section) error {
	cfg.ProtoMax = section.Key("proto_max").MustInt(cfg.ProtoMax)
	cfg.KeyFormat = section.Key("key_format").MustInt(cfg.KeyFormat)
	cfg.MaxWriteSetSize = section.Key("max_write_set_size").MustInt64(cfg.MaxWriteSetSize)
	cfg.ApplierThreads = section.Key("applier_threads").MustInt(cfg.ApplierThreads)
	cfg.ServiceQueueDepth = section.Key("service_queue_depth").MustInt(cfg.ServiceQueueDepth)
	cfg.ClusterName = section.Key("cluster_name").MustString(cfg.ClusterName)
	cfg.NodeAddress = section.Key("node_address").MustString(cfg.NodeAddress)
	cfg.GcacheDir = section.Key("gcache_dir").MustString(cfg.GcacheDir)
	cfg.IstRecvBind = section.Key("ist_recv_bind").MustString(cfg.IstRecvBind)

	switch section.Key("commit_order").MustInt(int(cfg.CommitOrder)) {
	case 0:
		cfg.CommitOrder = CommitBypass
	case 1:
		cfg.CommitOrder = CommitOOOC
	case 2:
		cfg.CommitOrder = CommitLocalOOOC
	case 3:
		cfg.CommitOrder = CommitNoOOOC
	default:
		return errors.Errorf("commit_order must be one of 0..3")
	}

	causalTimeout := section.Key("causal_read_timeout").MustString(cfg.CausalReadTimeout.String())
	d, err := time.ParseDuration(causalTimeout)
	if err != nil {
		return errors.Annotatef(err, "causal_read_timeout=%q", causalTimeout)
	}
	cfg.CausalReadTimeout = d

	bindAddress := section.Key("base_host").MustString(cfg.BaseHost)
	if ip := net.ParseIP(bindAddress); ip == nil {
		return errors.Errorf("base_host %q is not a valid IP address", bindAddress)
	}
	cfg.BaseHost = bindAddress
	cfg.BasePort = section.Key("base_port").MustInt(cfg.BasePort)
	cfg.BaseDir = section.Key("base_dir").MustString(cfg.BaseDir)

	return nil
}

func (cfg *Cfg) parseLogSection(section *ini.Section) error {
	cfg.LogErrorPath = section.Key("error_log").MustString(cfg.LogErrorPath)
	cfg.LogInfoPath = section.Key("info_log").MustString(cfg.LogInfoPath)
	cfg.LogLevel = section.Key("level").MustString(cfg.LogLevel)
	return nil
}

// SavedStatePath is the on-disk marker file described in spec.md §6.
func (cfg *Cfg) SavedStatePath() string {
	return filepath.Join(cfg.BaseDir, "grastate.toml")
}
