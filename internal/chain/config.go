package chain

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/chains.yaml.
type Definitions struct {
	Default string                `yaml:"default"`
	Chains  map[string]Definition `yaml:"chains"`
}

// Definition describes a single chain endpoint.
type Definition struct {
	Type         string        `yaml:"type"`
	RPCURL       string        `yaml:"rpc_url"`
	Router       string        `yaml:"router"`
	GasLimit     uint64        `yaml:"gas_limit"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Description  string        `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing chain metadata.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	return defs, nil
}

// Select returns the named chain; an empty name falls back to the configured
// default and then to the alphabetically first EVM chain.
func (d Definitions) Select(name string) (string, Definition, error) {
	if name == "" {
		name = d.Default
	}
	if name == "" {
		names := make([]string, 0, len(d.Chains))
		for n, def := range d.Chains {
			if def.evm() {
				names = append(names, n)
			}
		}
		if len(names) == 0 {
			return "", Definition{}, fmt.Errorf("未配置任何 EVM 链")
		}
		sort.Strings(names)
		name = names[0]
	}
	def, ok := d.Chains[name]
	if !ok {
		return "", Definition{}, fmt.Errorf("链 %s 未在配置中找到", name)
	}
	if !def.evm() {
		return "", Definition{}, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
	}
	if strings.TrimSpace(def.RPCURL) == "" {
		return "", Definition{}, fmt.Errorf("链 %s 未配置 RPC 地址", name)
	}
	return name, def, nil
}

func (d Definition) evm() bool {
	t := strings.ToLower(strings.TrimSpace(d.Type))
	return t == "" || t == "evm"
}
