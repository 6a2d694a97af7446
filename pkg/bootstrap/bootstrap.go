// Package bootstrap assembles a witness from a declarative Config, loaded
// from YAML and/or filled in by command-line flags.
package bootstrap

import (
    "bytes"
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "io"
    "log"
    "os"
    "time"

    "gopkg.in/yaml.v3"

    "github.com/amirimatin/go-witness/pkg/consensus"
    raftcons "github.com/amirimatin/go-witness/pkg/consensus/raft"
    "github.com/amirimatin/go-witness/pkg/discovery"
    dDNS "github.com/amirimatin/go-witness/pkg/discovery/dns"
    dFile "github.com/amirimatin/go-witness/pkg/discovery/file"
    dStatic "github.com/amirimatin/go-witness/pkg/discovery/static"
    "github.com/amirimatin/go-witness/pkg/health"
    "github.com/amirimatin/go-witness/pkg/health/pgcheck"
    "github.com/amirimatin/go-witness/pkg/internal/logutil"
    tlsx "github.com/amirimatin/go-witness/pkg/security/tlsconfig"
    "github.com/amirimatin/go-witness/pkg/state/kv"
    "github.com/amirimatin/go-witness/pkg/topology"
    "github.com/amirimatin/go-witness/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-witness/pkg/transport/grpc"
    "github.com/amirimatin/go-witness/pkg/transport/httpjson"
    "github.com/amirimatin/go-witness/pkg/witness"
)

// DiscoveryConfig selects an address source.
type DiscoveryConfig struct {
    Kind     string        `yaml:"kind"` // static (default), dns or file
    Addrs    []string      `yaml:"addrs"`
    DNSNames []string      `yaml:"dns_names"`
    DNSPort  int           `yaml:"dns_port"`
    FilePath string        `yaml:"file_path"`
    FileEnv  string        `yaml:"file_env"`
    Refresh  time.Duration `yaml:"refresh"`
}

// Source builds the configured discovery backend, or nil when nothing is
// configured.
func (d DiscoveryConfig) Source(defaultPort int, logger *log.Logger) (discovery.Source, error) {
    switch d.Kind {
    case "dns":
        if len(d.DNSNames) == 0 { return nil, errors.New("bootstrap: dns discovery without dns_names") }
        port := d.DNSPort
        if port == 0 { port = defaultPort }
        return dDNS.New(dDNS.Options{Names: d.DNSNames, Port: port, Refresh: d.Refresh, Logger: logger}), nil
    case "file":
        if d.FilePath == "" && d.FileEnv == "" { return nil, errors.New("bootstrap: file discovery without file_path or file_env") }
        return dFile.New(dFile.Options{Path: d.FilePath, Env: d.FileEnv, Refresh: d.Refresh, Port: defaultPort}), nil
    case "", "static":
        if len(d.Addrs) == 0 { return nil, nil }
        return dStatic.WithPort(defaultPort, d.Addrs...), nil
    default:
        return nil, fmt.Errorf("bootstrap: unknown discovery kind %q", d.Kind)
    }
}

// PostgresConfig carries the credentials of the liveness probe.
type PostgresConfig struct {
    User            string `yaml:"user"`
    Password        string `yaml:"password"`
    Database        string `yaml:"database"`
    SSLMode         string `yaml:"sslmode"`
    ApplicationName string `yaml:"application_name"`
}

// TopologyConfig points the watcher at the data nodes' REST API.
type TopologyConfig struct {
    Addrs    DiscoveryConfig `yaml:"addrs"`
    Path     string          `yaml:"path"`
    Interval time.Duration   `yaml:"interval"`
    TLS      tlsx.Options    `yaml:"tls"`
}

// ManagementConfig configures the status server.
type ManagementConfig struct {
    Addr  string       `yaml:"addr"`
    Proto string       `yaml:"proto"` // http (default) or grpc
    TLS   tlsx.Options `yaml:"tls"`
}

// Config defines high-level inputs to assemble a witness node.
type Config struct {
    // Self is this member's consensus address; Bind is the local listen
    // address. An empty Bind selects the in-process transport.
    Self    string          `yaml:"self"`
    Bind    string          `yaml:"bind"`
    Secret  string          `yaml:"secret"`
    DataDir string          `yaml:"data_dir"`
    Peers   DiscoveryConfig `yaml:"peers"`
    RaftTLS tlsx.Options    `yaml:"raft_tls"`

    TickInterval time.Duration `yaml:"tick_interval"`

    Endpoints      DiscoveryConfig `yaml:"endpoints"`
    Postgres       PostgresConfig  `yaml:"postgres"`
    HealthInterval time.Duration   `yaml:"health_interval"`
    QueryTimeout   time.Duration   `yaml:"query_timeout"`
    RetryCount     int             `yaml:"retry_count"`
    RetryInterval  time.Duration   `yaml:"retry_interval"`

    Topology   TopologyConfig   `yaml:"topology"`
    Management ManagementConfig `yaml:"management"`

    JoinRetry       time.Duration `yaml:"join_retry"`
    ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

    LogJSON bool `yaml:"log_json"`
    Debug   bool `yaml:"debug"`

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger `yaml:"-"`
}

// Default ports appended to addresses given without one.
const (
    DefaultPeerPort     = 7000
    DefaultEndpointPort = 5432
    DefaultTopologyPort = 8008
)

// DefaultManagementAddr keeps clear of DefaultTopologyPort, since a witness
// often shares a host with a data node.
const DefaultManagementAddr = ":9708"

// Default returns a Config with every interval at its documented default.
func Default() Config {
    return Config{
        TickInterval:    time.Second,
        HealthInterval:  health.DefaultInterval,
        QueryTimeout:    health.DefaultQueryTimeout,
        RetryCount:      health.DefaultRetryCount,
        RetryInterval:   health.DefaultRetryInterval,
        Topology:        TopologyConfig{Interval: topology.DefaultInterval},
        Management:      ManagementConfig{Addr: DefaultManagementAddr, Proto: "http"},
        JoinRetry:       witness.DefaultJoinRetry,
        ShutdownTimeout: witness.DefaultShutdownTimeout,
    }
}

// LoadFile reads a YAML config over the defaults. Unknown keys are rejected.
func LoadFile(path string) (Config, error) {
    cfg := Default()
    data, err := os.ReadFile(path)
    if err != nil { return cfg, err }
    dec := yaml.NewDecoder(bytes.NewReader(data))
    dec.KnownFields(true)
    if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
        return cfg, fmt.Errorf("bootstrap: %s: %w", path, err)
    }
    return cfg, nil
}

// Built bundles a witness with the components Build created for it.
type Built struct {
    Witness    *witness.Witness
    Engine     *raftcons.Node
    Store      *kv.Store
    Management transport.RPCServer
}

// Build assembles a witness from Config without starting it.
func Build(cfg Config) (*Built, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    if cfg.LogJSON { logutil.SetJSON(true) }
    if cfg.Debug { logutil.SetDebug(true) }
    if cfg.Self == "" { return nil, errors.New("bootstrap: self address required") }

    peers, err := cfg.Peers.Source(DefaultPeerPort, cfg.Logger)
    if err != nil { return nil, err }
    endpoints, err := cfg.Endpoints.Source(DefaultEndpointPort, cfg.Logger)
    if err != nil { return nil, err }

    raftSrvTLS, raftCliTLS, err := tlsPair(cfg.RaftTLS)
    if err != nil { return nil, fmt.Errorf("bootstrap: raft tls: %w", err) }

    store := kv.New()
    node, err := raftcons.New(store, raftcons.Options{
        Logger:          cfg.Logger,
        TickInterval:    cfg.TickInterval,
        ShutdownTimeout: cfg.ShutdownTimeout,
        BindAddr:        cfg.Bind,
        ServerTLS:       raftSrvTLS,
        ClientTLS:       raftCliTLS,
        DataDir:         cfg.DataDir,
    })
    if err != nil { return nil, err }

    var checker health.Checker
    if endpoints != nil {
        checker = pgcheck.New(pgcheck.Options{
            User:            cfg.Postgres.User,
            Password:        cfg.Postgres.Password,
            Database:        cfg.Postgres.Database,
            SSLMode:         cfg.Postgres.SSLMode,
            ApplicationName: cfg.Postgres.ApplicationName,
        })
    }

    var topo topology.Source
    if addrs, err := cfg.Topology.Addrs.Source(DefaultTopologyPort, cfg.Logger); err != nil {
        return nil, err
    } else if addrs != nil {
        topoTLS, err := cfg.Topology.TLS.Client()
        if err != nil { return nil, fmt.Errorf("bootstrap: topology tls: %w", err) }
        topo = &topology.HTTPSource{Addrs: addrs, Path: cfg.Topology.Path, TLS: topoTLS}
    }

    mgmt, err := managementServer(cfg)
    if err != nil { return nil, err }

    w, err := witness.New(witness.Options{
        Self:             cfg.Self,
        Peers:            peers,
        Secret:           cfg.Secret,
        Engine:           node,
        Store:            store,
        Endpoints:        endpoints,
        Checker:          checker,
        Topology:         topo,
        Management:       mgmt,
        Logger:           cfg.Logger,
        HealthInterval:   cfg.HealthInterval,
        RetryCount:       cfg.RetryCount,
        RetryInterval:    cfg.RetryInterval,
        QueryTimeout:     cfg.QueryTimeout,
        TopologyInterval: cfg.Topology.Interval,
        JoinRetry:        cfg.JoinRetry,
        ShutdownTimeout:  cfg.ShutdownTimeout,
    })
    if err != nil { return nil, err }
    return &Built{Witness: w, Engine: node, Store: store, Management: mgmt}, nil
}

func managementServer(cfg Config) (transport.RPCServer, error) {
    if cfg.Management.Addr == "" { return nil, nil }
    srvTLS, err := cfg.Management.TLS.ServerHotReload()
    if err != nil { return nil, fmt.Errorf("bootstrap: management tls: %w", err) }
    switch cfg.Management.Proto {
    case "grpc":
        s := mgmtgrpc.NewServer(cfg.Management.Addr)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        return s, nil
    case "", "http":
        s := httpjson.NewServer(cfg.Management.Addr, cfg.Logger)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        return s, nil
    default:
        return nil, fmt.Errorf("bootstrap: unknown management proto %q", cfg.Management.Proto)
    }
}

// tlsPair prefers hot-reload configs so certificates can be rotated by
// replacing files.
func tlsPair(o tlsx.Options) (*tls.Config, *tls.Config, error) {
    srv, err := o.ServerHotReload()
    if err != nil { return nil, nil, err }
    cli, err := o.ClientHotReload()
    if err != nil { return nil, nil, err }
    return srv, cli, nil
}

// Run builds and starts the witness. The caller stops it with Witness.Stop.
func Run(ctx context.Context, cfg Config) (*Built, error) {
    b, err := Build(cfg)
    if err != nil { return nil, err }
    if err := b.Witness.Start(ctx); err != nil { return nil, err }
    return b, nil
}

var _ consensus.Engine = (*raftcons.Node)(nil)
