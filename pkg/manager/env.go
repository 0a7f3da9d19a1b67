// Package manager routes container operations for a project to the right
// place: the project's dedicated worker when one is ready, the local Docker
// daemon otherwise. It also owns environment composition, the single point
// where sealed operator secrets become plaintext, already inside the request
// path to the sandbox.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/synapsehq/synapse/pkg/secretbox"
	"github.com/synapsehq/synapse/pkg/store"
	"github.com/synapsehq/synapse/pkg/workspace"
)

// InstanceSpec is the capacity of one instance type.
type InstanceSpec struct {
	CPUs     float64 `json:"cpus"`
	MemoryMB int     `json:"memory_mb"`
}

// DefaultInstanceSpec applies to unknown types and local mode.
var DefaultInstanceSpec = InstanceSpec{CPUs: 2, MemoryMB: 4096}

// DefaultInstanceTable maps the fleet's supported instance types to their
// capacity.
var DefaultInstanceTable = map[string]InstanceSpec{
	"t3.medium":   {CPUs: 2, MemoryMB: 4096},
	"c5.xlarge":   {CPUs: 4, MemoryMB: 8192},
	"c5.4xlarge":  {CPUs: 16, MemoryMB: 32768},
	"c5.12xlarge": {CPUs: 48, MemoryMB: 98304},
	"c5.24xlarge": {CPUs: 96, MemoryMB: 196608},
	"g5.2xlarge":  {CPUs: 8, MemoryMB: 32768},
}

// SpecFor looks up an instance type, falling back to the default.
func SpecFor(instanceType string, table map[string]InstanceSpec) InstanceSpec {
	if table == nil {
		table = DefaultInstanceTable
	}
	if spec, ok := table[instanceType]; ok {
		return spec
	}
	return DefaultInstanceSpec
}

// ComposeEnv builds the container environment in its fixed precedence order:
// base identity first, then project secrets, then operator extra-env, then
// instance awareness last so nothing can shadow it. The same inputs always
// produce the same map.
func ComposeEnv(box *secretbox.Box, p *store.Project, secrets []store.Secret, spec InstanceSpec, host InstanceSpec) (map[string]string, error) {
	mcp := p.MCPServers()
	if mcp == nil {
		mcp = []string{}
	}
	servers, err := json.Marshal(mcp)
	if err != nil {
		return nil, fmt.Errorf("manager: encode mcp servers: %w", err)
	}
	env := map[string]string{
		"PROJECT_NAME": p.Name,
		"WORKSPACE":    workspace.DefaultRoot,
		"MCP_SERVERS":  string(servers),
	}

	if p.CredentialCipher != "" {
		key, err := box.Decrypt(p.CredentialCipher)
		if err != nil {
			return nil, fmt.Errorf("manager: unseal credential: %w", err)
		}
		env["LLM_API_KEY"] = key
	}

	sorted := make([]store.Secret, len(secrets))
	copy(sorted, secrets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	for _, s := range sorted {
		value, err := box.Decrypt(s.ValueCipher)
		if err != nil {
			return nil, fmt.Errorf("manager: unseal secret %s: %w", s.Key, err)
		}
		env[s.Key] = value
	}

	if p.ExtraEnvCipher != "" {
		plain, err := box.Decrypt(p.ExtraEnvCipher)
		if err != nil {
			return nil, fmt.Errorf("manager: unseal extra env: %w", err)
		}
		var extra map[string]string
		if err := json.Unmarshal([]byte(plain), &extra); err != nil {
			return nil, fmt.Errorf("manager: parse extra env: %w", err)
		}
		keys := make([]string, 0, len(extra))
		for k := range extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env[k] = extra[k]
		}
	}

	env["INSTANCE_TYPE"] = p.InstanceType
	env["INSTANCE_CPUS"] = formatCPUs(spec.CPUs)
	env["INSTANCE_MEMORY_MB"] = strconv.Itoa(spec.MemoryMB)
	env["HOST_CPUS"] = formatCPUs(host.CPUs)
	env["HOST_MEMORY_MB"] = strconv.Itoa(host.MemoryMB)
	return env, nil
}

func formatCPUs(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// loadSecrets fetches the project's secret rows.
func loadSecrets(ctx context.Context, db *store.Store, projectName string) ([]store.Secret, error) {
	return db.ListSecrets(ctx, projectName)
}
