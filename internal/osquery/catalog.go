package osquery

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/ppiankov/osqgate/internal/model"
)

// MaxLimit caps the limit parameter of catalogue tools.
const MaxLimit = 1000

// Tool is one named host query exposed to callers.
type Tool struct {
	Name        string
	Description string
	// DefaultLimit applies when the tool takes a limit and none is given.
	DefaultLimit int
	build        func(p params) (string, error)
}

// CustomQuery is the tool that runs caller-supplied SQL.
const CustomQuery = "custom_query"

type params struct {
	raw  map[string]any
	goos string
}

func (p params) limit(def int) (int, error) {
	v, ok := p.raw["limit"]
	if !ok || v == nil {
		return def, nil
	}
	n, ok := model.ToInt(v)
	if !ok {
		return 0, fmt.Errorf("limit must be an integer, got %v", v)
	}
	if n < 1 || n > MaxLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d, got %d", MaxLimit, n)
	}
	return n, nil
}

var catalog = map[string]Tool{
	"system_info": {
		Name:        "system_info",
		Description: "Get general system information (OS, hostname, CPU count, memory).",
		build: func(params) (string, error) {
			return "SELECT * FROM system_info;", nil
		},
	},
	"processes": {
		Name:         "processes",
		Description:  "Get the top memory-consuming processes.",
		DefaultLimit: 10,
		build: func(p params) (string, error) {
			n, err := p.limit(10)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("SELECT pid, name, uid, resident_size FROM processes ORDER BY resident_size DESC LIMIT %d;", n), nil
		},
	},
	"users": {
		Name:        "users",
		Description: "Get local user accounts.",
		build: func(params) (string, error) {
			return "SELECT uid, gid, username, description, directory, shell FROM users;", nil
		},
	},
	"network_interfaces": {
		Name:        "network_interfaces",
		Description: "Get network interfaces and their details.",
		build: func(params) (string, error) {
			return "SELECT interface, mac, mtu, metric FROM interface_details;", nil
		},
	},
	"network_connections": {
		Name:         "network_connections",
		Description:  "Get active network connections.",
		DefaultLimit: 20,
		build: func(p params) (string, error) {
			n, err := p.limit(20)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("SELECT pid, protocol, local_address, local_port, remote_address, remote_port, state FROM process_open_sockets LIMIT %d;", n), nil
		},
	},
	"open_files": {
		Name:        "open_files",
		Description: "Get files held open by processes, optionally for one pid.",
		build: func(p params) (string, error) {
			v, ok := p.raw["pid"]
			if !ok || v == nil {
				return "SELECT pid, fd, path FROM process_open_files LIMIT 50;", nil
			}
			pid, ok := model.ToInt(v)
			if !ok || pid < 0 {
				return "", fmt.Errorf("pid must be a non-negative integer, got %v", v)
			}
			return fmt.Sprintf("SELECT pid, fd, path FROM process_open_files WHERE pid = %d LIMIT 500;", pid), nil
		},
	},
	"disk_usage": {
		Name:        "disk_usage",
		Description: "Get mounted filesystems with block usage.",
		build: func(params) (string, error) {
			return "SELECT path, device, type, blocks_size, blocks, blocks_free, blocks_available FROM mounts;", nil
		},
	},
	"installed_packages": {
		Name:        "installed_packages",
		Description: "Get installed packages or applications.",
		build: func(p params) (string, error) {
			switch p.goos {
			case "darwin":
				return "SELECT name, bundle_short_version AS version FROM apps LIMIT 50;", nil
			case "windows":
				return "SELECT name, version FROM programs LIMIT 50;", nil
			default:
				return "SELECT name, version FROM deb_packages UNION ALL SELECT name, version FROM rpm_packages LIMIT 50;", nil
			}
		},
	},
	"running_services": {
		Name:        "running_services",
		Description: "Get running services (launchd on macOS, systemd on Linux, services on Windows).",
		build: func(p params) (string, error) {
			switch p.goos {
			case "darwin":
				return "SELECT label AS name, program AS path FROM launchd WHERE run_at_load = '1' LIMIT 50;", nil
			case "windows":
				return "SELECT name, status AS state FROM services WHERE status = 'RUNNING' LIMIT 50;", nil
			default:
				return "SELECT id AS name, active_state AS state, sub_state FROM systemd_units WHERE active_state = 'active' LIMIT 50;", nil
			}
		},
	},
	CustomQuery: {
		Name:        CustomQuery,
		Description: "Execute a custom read-only osquery SQL query. Subject to policy inspection.",
		build: func(p params) (string, error) {
			sql, _ := p.raw["sql"].(string)
			if strings.TrimSpace(sql) == "" {
				return "", fmt.Errorf("sql parameter is required")
			}
			return sql, nil
		},
	},
}

// Lookup returns a catalogue tool by name.
func Lookup(name string) (Tool, bool) {
	t, ok := catalog[name]
	return t, ok
}

// Tools returns every catalogue tool sorted by name.
func Tools() []Tool {
	out := make([]Tool, 0, len(catalog))
	for _, t := range catalog {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BuildSQL returns the query a tool runs on this host.
func BuildSQL(tool string, raw map[string]any) (string, error) {
	return BuildSQLFor(runtime.GOOS, tool, raw)
}

// BuildSQLFor returns the query a tool runs on the given OS.
func BuildSQLFor(goos, tool string, raw map[string]any) (string, error) {
	t, ok := catalog[tool]
	if !ok {
		return "", fmt.Errorf("osquery: unknown tool %q", tool)
	}
	sql, err := t.build(params{raw: raw, goos: goos})
	if err != nil {
		return "", fmt.Errorf("osquery: %s: %w", tool, err)
	}
	return sql, nil
}
