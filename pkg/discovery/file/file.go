package file

import (
    "bufio"
    "context"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-witness/pkg/discovery"
)

// Options configures file/ENV-based discovery.
type Options struct {
    // Path to a file (or glob) containing one address per line or a
    // comma-separated list. Lines starting with # are ignored.
    Path string
    // Env overrides file when non-empty.
    Env string
    // Refresh controls cache staleness; if zero, defaults to 5s.
    Refresh time.Duration
    // Port is appended to entries without one; zero leaves them as written.
    Port int
}

type impl struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) discovery.Source { if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }; return &impl{opts: opts} }

func (i *impl) Addresses(context.Context) ([]string, error) {
    i.mu.Lock(); defer i.mu.Unlock()
    // ENV takes precedence
    if v := strings.TrimSpace(os.Getenv(i.opts.Env)); i.opts.Env != "" && v != "" {
        return normalize(strings.Split(v, ","), i.opts.Port), nil
    }
    if i.opts.Path == "" {
        return nil, nil
    }
    now := time.Now()
    stat, err := os.Stat(i.opts.Path)
    if err == nil {
        // If file changed or cache is stale, reload
        if stat.ModTime().After(i.mtime) || now.Sub(i.last) >= i.opts.Refresh {
            addrs, err := loadFile(i.opts.Path, i.opts.Port)
            if err != nil { return append([]string(nil), i.cache...), err }
            i.cache = addrs
            i.last = now
            i.mtime = stat.ModTime()
        }
        return append([]string(nil), i.cache...), nil
    }
    // try glob
    matches, _ := filepath.Glob(i.opts.Path)
    if len(matches) == 0 {
        return append([]string(nil), i.cache...), fmt.Errorf("file discovery: %s: %w", i.opts.Path, err)
    }
    var all []string
    for _, m := range matches {
        addrs, err := loadFile(m, i.opts.Port)
        if err != nil { return append([]string(nil), i.cache...), err }
        all = append(all, addrs...)
    }
    i.cache = normalize(all, i.opts.Port)
    i.last = now
    return append([]string(nil), i.cache...), nil
}

func loadFile(path string, port int) ([]string, error) {
    f, err := os.Open(path)
    if err != nil { return nil, err }
    defer f.Close()
    var addrs []string
    s := bufio.NewScanner(f)
    for s.Scan() {
        line := strings.TrimSpace(s.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        // allow comma-separated per line
        addrs = append(addrs, strings.Split(line, ",")...)
    }
    if err := s.Err(); err != nil { return nil, err }
    return normalize(addrs, port), nil
}

// normalize trims, fills in the default port, de-duplicates and sorts.
func normalize(in []string, port int) []string {
    set := make(map[string]struct{}, len(in))
    for _, x := range in {
        x = strings.TrimSpace(x)
        if x != "" { set[discovery.WithDefaultPort(x, port)] = struct{}{} }
    }
    out := make([]string, 0, len(set))
    for x := range set { out = append(out, x) }
    sort.Strings(out)
    return out
}
