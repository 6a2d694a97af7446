package cli

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "log"
    "os"
    "os/signal"
    "strconv"
    "syscall"
    "time"

    "github.com/spf13/cobra"
    "github.com/spf13/pflag"

    "github.com/amirimatin/go-witness/pkg/bootstrap"
    "github.com/amirimatin/go-witness/pkg/discovery/static"
    "github.com/amirimatin/go-witness/pkg/health"
    "github.com/amirimatin/go-witness/pkg/health/pgcheck"
    tracing "github.com/amirimatin/go-witness/pkg/observability/tracing"
    "github.com/amirimatin/go-witness/pkg/quorum"
    tlsx "github.com/amirimatin/go-witness/pkg/security/tlsconfig"
    "github.com/amirimatin/go-witness/pkg/status"
    "github.com/amirimatin/go-witness/pkg/topology"
    "github.com/amirimatin/go-witness/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-witness/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-witness/pkg/transport/httpjson"
)

// AddAll attaches witness subcommands (run/status/probe/quorum) to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewProbeCmd())
    root.AddCommand(NewQuorumCmd())
}

// NewWitnessCommand returns a parent command "witness" containing the subcommands.
func NewWitnessCommand() *cobra.Command {
    parent := &cobra.Command{Use: "witness", Short: "quorum witness commands"}
    AddAll(parent)
    return parent
}

// NewRunCmd returns the "run" command used to start a witness node.
func NewRunCmd() *cobra.Command {
    var (
        cfgPath, self, bind, peersCSV, endpointsCSV, topoCSV, mgmtAddr, mgmtProto string
        secret, dataDir, pgUser, pgPassword, pgDatabase                           string
        healthInterval, retryInterval, queryTimeout, topoInterval                 time.Duration
        retryCount                                                                int
        traceEnable, logJSON, debug                                               bool
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a witness node",
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg := bootstrap.Default()
            if cfgPath != "" {
                var err error
                cfg, err = bootstrap.LoadFile(cfgPath)
                if err != nil { return err }
            }
            // flags only override the file when given explicitly
            f := cmd.Flags()
            setString(f, "self", &cfg.Self, self)
            setString(f, "bind", &cfg.Bind, bind)
            setString(f, "secret", &cfg.Secret, secret)
            setString(f, "data", &cfg.DataDir, dataDir)
            setString(f, "mgmt-addr", &cfg.Management.Addr, mgmtAddr)
            setString(f, "mgmt-proto", &cfg.Management.Proto, mgmtProto)
            setString(f, "pg-user", &cfg.Postgres.User, pgUser)
            setString(f, "pg-password", &cfg.Postgres.Password, pgPassword)
            setString(f, "pg-database", &cfg.Postgres.Database, pgDatabase)
            if f.Changed("peers") { cfg.Peers = bootstrap.DiscoveryConfig{Addrs: static.Parse(peersCSV)} }
            if f.Changed("endpoints") { cfg.Endpoints = bootstrap.DiscoveryConfig{Addrs: static.Parse(endpointsCSV)} }
            if f.Changed("topology") { cfg.Topology.Addrs = bootstrap.DiscoveryConfig{Addrs: static.Parse(topoCSV)} }
            setDuration(f, "health-interval", &cfg.HealthInterval, healthInterval)
            setDuration(f, "retry-interval", &cfg.RetryInterval, retryInterval)
            setDuration(f, "query-timeout", &cfg.QueryTimeout, queryTimeout)
            setDuration(f, "topology-interval", &cfg.Topology.Interval, topoInterval)
            if f.Changed("retries") { cfg.RetryCount = retryCount }
            if f.Changed("log-json") { cfg.LogJSON = logJSON }
            if f.Changed("debug") { cfg.Debug = debug }
            if cfg.Self == "" { return fmt.Errorf("missing --self (or self in --config)") }
            cfg.Logger = log.Default()

            ctx, cancel := signalContext()
            defer cancel()

            if traceEnable {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    log.Printf("tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            b, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer func() {
                sctx, scancel := context.WithTimeout(context.Background(), 2*cfg.ShutdownTimeout)
                defer scancel()
                if err := b.Witness.Stop(sctx); err != nil { log.Printf("stop: %v", err) }
            }()

            fmt.Fprintln(cmd.OutOrStdout(), "witness running. Press Ctrl+C to exit.")
            <-ctx.Done()
            return nil
        },
    }
    cmd.Flags().StringVar(&cfgPath, "config", "", "YAML config file; explicit flags override it")
    cmd.Flags().StringVar(&self, "self", "", "this member's consensus address (host:port, required)")
    cmd.Flags().StringVar(&bind, "bind", "", "raft bind addr (tcp); empty selects the in-process transport")
    cmd.Flags().StringVar(&peersCSV, "peers", "", "comma-separated consensus peers (host:port)")
    cmd.Flags().StringVar(&secret, "secret", "", "shared secret authenticating raft peers")
    cmd.Flags().StringVar(&dataDir, "data", "", "raft data dir (bolt log + snapshots)")
    cmd.Flags().StringVar(&endpointsCSV, "endpoints", "", "comma-separated data-node endpoints to probe (host:port)")
    cmd.Flags().StringVar(&pgUser, "pg-user", "", "user for the liveness query")
    cmd.Flags().StringVar(&pgPassword, "pg-password", "", "password for the liveness query")
    cmd.Flags().StringVar(&pgDatabase, "pg-database", "", "database for the liveness query")
    cmd.Flags().DurationVar(&healthInterval, "health-interval", health.DefaultInterval, "time between health cycles")
    cmd.Flags().IntVar(&retryCount, "retries", health.DefaultRetryCount, "probe attempts per endpoint")
    cmd.Flags().DurationVar(&retryInterval, "retry-interval", health.DefaultRetryInterval, "wait between probe attempts")
    cmd.Flags().DurationVar(&queryTimeout, "query-timeout", health.DefaultQueryTimeout, "deadline of a single probe attempt")
    cmd.Flags().StringVar(&topoCSV, "topology", "", "comma-separated REST addresses of the data nodes")
    cmd.Flags().DurationVar(&topoInterval, "topology-interval", topology.DefaultInterval, "topology poll interval")
    cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", bootstrap.DefaultManagementAddr, "management address (tcp); empty disables it")
    cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit JSON log lines")
    cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
    return cmd
}

func setString(f *pflag.FlagSet, name string, dst *string, v string) {
    if f.Changed(name) { *dst = v }
}

func setDuration(f *pflag.FlagSet, name string, dst *time.Duration, v time.Duration) {
    if f.Changed(name) { *dst = v }
}

type clientFlags struct {
    addr, proto                           string
    timeout                               time.Duration
    tlsEnable, tlsSkip                    bool
    tlsCA, tlsCert, tlsKey, tlsServerName string
}

func (c *clientFlags) register(f *pflag.FlagSet, usage string) {
    f.StringVar(&c.addr, "addr", "127.0.0.1"+bootstrap.DefaultManagementAddr, usage)
    f.StringVar(&c.proto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    f.DurationVar(&c.timeout, "timeout", 3*time.Second, "request timeout")
    f.BoolVar(&c.tlsEnable, "tls-enable", false, "enable mTLS for management transport")
    f.StringVar(&c.tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    f.StringVar(&c.tlsCert, "tls-cert", "", "path to client certificate (PEM)")
    f.StringVar(&c.tlsKey, "tls-key", "", "path to client private key (PEM)")
    f.BoolVar(&c.tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    f.StringVar(&c.tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (c *clientFlags) client() (transport.RPCClient, error) {
    var cliTLS *tls.Config
    if c.tlsEnable {
        topts := tlsx.Options{Enable: true, CAFile: c.tlsCA, CertFile: c.tlsCert, KeyFile: c.tlsKey, InsecureSkipVerify: c.tlsSkip, ServerName: c.tlsServerName}
        var err error
        cliTLS, err = topts.Client()
        if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    }
    switch c.proto {
    case "grpc":
        cli := mgmtgrpc.NewClient(c.timeout)
        if cliTLS != nil { cli.UseTLS(cliTLS) }
        return cli, nil
    case "", "http":
        cli := httpjson.NewClient(c.timeout)
        if cliTLS != nil { cli.UseTLS(cliTLS) }
        return cli, nil
    default:
        return nil, fmt.Errorf("unknown management proto %q", c.proto)
    }
}

func (c *clientFlags) fetch() ([]byte, error) {
    client, err := c.client()
    if err != nil { return nil, err }
    ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
    defer cancel()
    return client.GetStatus(ctx, c.addr)
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch witness status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            data, err := cf.fetch()
            if err != nil { return fmt.Errorf("status error: %w", err) }
            out := cmd.OutOrStdout()
            out.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' { out.Write([]byte("\n")) }
            return nil
        },
    }
    cf.register(cmd.Flags(), "management address of a witness (host:port)")
    return cmd
}

// NewProbeCmd returns the "probe" command: one health cycle against the
// given endpoints, printed as JSON.
func NewProbeCmd() *cobra.Command {
    var (
        endpointsCSV, pgUser, pgPassword, pgDatabase string
        retryCount                                   int
        retryInterval, queryTimeout                  time.Duration
    )
    cmd := &cobra.Command{
        Use:   "probe",
        Short: "Probe data-node endpoints once",
        RunE: func(cmd *cobra.Command, args []string) error {
            eps := static.Parse(endpointsCSV)
            if len(eps) == 0 { return fmt.Errorf("missing --endpoints") }
            p := health.NewProber(health.Options{
                RetryCount:    retryCount,
                RetryInterval: retryInterval,
                QueryTimeout:  queryTimeout,
                Checker:       pgcheck.New(pgcheck.Options{User: pgUser, Password: pgPassword, Database: pgDatabase}),
                Logger:        log.New(io.Discard, "", 0),
            })
            ctx, cancel := signalContext()
            defer cancel()
            recs := p.ProbeRecords(ctx, eps)
            return writeJSON(cmd.OutOrStdout(), recs)
        },
    }
    cmd.Flags().StringVar(&endpointsCSV, "endpoints", "", "comma-separated endpoints (host:port, required)")
    cmd.Flags().StringVar(&pgUser, "pg-user", "", "user for the liveness query")
    cmd.Flags().StringVar(&pgPassword, "pg-password", "", "password for the liveness query")
    cmd.Flags().StringVar(&pgDatabase, "pg-database", "", "database for the liveness query")
    cmd.Flags().IntVar(&retryCount, "retries", health.DefaultRetryCount, "attempts per endpoint")
    cmd.Flags().DurationVar(&retryInterval, "retry-interval", time.Second, "wait between attempts (shorter than the daemon default)")
    cmd.Flags().DurationVar(&queryTimeout, "query-timeout", health.DefaultQueryTimeout, "deadline of a single attempt")
    return cmd
}

// NewQuorumCmd returns the "quorum" command. With a count argument it
// prints the decision for that many data nodes; with --from it prints the
// decision a running witness currently holds.
func NewQuorumCmd() *cobra.Command {
    var (
        cf   clientFlags
        from bool
    )
    cmd := &cobra.Command{
        Use:   "quorum [data-nodes]",
        Short: "Show whether the witness vote counts for a data-node count",
        Args:  cobra.MaximumNArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            if len(args) == 1 {
                n, err := strconv.Atoi(args[0])
                if err != nil || n < 0 { return fmt.Errorf("data-nodes must be a non-negative integer, got %q", args[0]) }
                return writeJSON(cmd.OutOrStdout(), quorum.Decide(n))
            }
            if !from { return fmt.Errorf("give a data-node count or --from") }
            data, err := cf.fetch()
            if err != nil { return fmt.Errorf("status error: %w", err) }
            var r status.Report
            if err := json.Unmarshal(data, &r); err != nil { return fmt.Errorf("decode status: %w", err) }
            return writeJSON(cmd.OutOrStdout(), r.Quorum)
        },
    }
    cmd.Flags().BoolVar(&from, "from", false, "read the decision from a running witness at --addr")
    cf.register(cmd.Flags(), "management address of a witness (host:port)")
    return cmd
}

func writeJSON(w io.Writer, v any) error {
    enc := json.NewEncoder(w)
    enc.SetIndent("", "  ")
    return enc.Encode(v)
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
